package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const assetColumns = `symbol, name, category, decimals, reference_price::text, updated_at`

func (s *Store) ListAssets(ctx context.Context) ([]Asset, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+assetColumns+` FROM assets ORDER BY symbol`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assets []Asset
	for rows.Next() {
		asset, err := scanAssetRow(rows)
		if err != nil {
			return nil, err
		}
		assets = append(assets, asset)
	}
	return assets, rows.Err()
}

func (s *Store) GetAsset(ctx context.Context, symbol string) (Asset, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+assetColumns+` FROM assets WHERE symbol = $1`, normalizeSymbol(symbol))
	asset, err := scanAssetRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Asset{}, fmt.Errorf("%w: %s", ErrUnknownAsset, symbol)
		}
		return Asset{}, err
	}
	return asset, nil
}

func scanAssetRow(row pgx.Row) (Asset, error) {
	var asset Asset
	var refStr string
	if err := row.Scan(&asset.Symbol, &asset.Name, &asset.Category, &asset.Decimals, &refStr, &asset.UpdatedAt); err != nil {
		return Asset{}, err
	}
	var err error
	asset.ReferencePrice, err = parseDecimal(refStr, "reference price")
	if err != nil {
		return Asset{}, err
	}
	return asset, nil
}
