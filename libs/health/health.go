package health

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
)

// Manager tracks readiness for the exchange process. Readiness flips on once
// wiring completes and off again when shutdown begins, so the load balancer
// drains traffic before in-flight settlements are interrupted.
type Manager struct {
	mu     sync.Mutex
	ready  bool
	reason string
}

func NewManager(initialReady bool) *Manager {
	m := &Manager{ready: initialReady}
	if !initialReady {
		m.reason = "starting"
	}
	return m
}

func (m *Manager) SetReady(ready bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ready = ready
	if ready {
		m.reason = ""
	} else {
		m.reason = "shutting down"
	}
}

// SetNotReady marks the process unready with an operator-visible reason.
func (m *Manager) SetNotReady(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ready = false
	m.reason = reason
}

func (m *Manager) IsReady() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ready
}

func (m *Manager) Reason() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reason
}

func LivenessHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func ReadinessHandler(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if m.IsReady() {
			c.JSON(http.StatusOK, gin.H{"status": "ready"})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "reason": m.Reason()})
	}
}
