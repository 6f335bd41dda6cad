package monitor

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Status 组件健康状态
type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// HealthStatus 健康状态
type HealthStatus struct {
	Component   string    `json:"component"`
	Status      Status    `json:"status"`
	LastChecked time.Time `json:"last_checked"`
	Message     string    `json:"message,omitempty"`
}

// CheckFunc 组件探活，返回nil表示健康
type CheckFunc func(ctx context.Context) error

// AlertFunc 状态变化回调
type AlertFunc func(component string, status Status, message string)

// Monitor 监控系统
type Monitor struct {
	components map[string]*HealthStatus
	checks     map[string]CheckFunc
	mutex      sync.RWMutex
	alertFunc  AlertFunc
	now        func() time.Time
}

// NewMonitor 创建新的监控系统
func NewMonitor(alertFunc AlertFunc) *Monitor {
	return &Monitor{
		components: make(map[string]*HealthStatus),
		checks:     make(map[string]CheckFunc),
		alertFunc:  alertFunc,
		now:        time.Now,
	}
}

// RegisterComponent 注册组件，check可以为nil，由调用方通过UpdateStatus上报
func (m *Monitor) RegisterComponent(component string, check CheckFunc) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.components[component] = &HealthStatus{
		Component:   component,
		Status:      StatusUnknown,
		LastChecked: m.now().UTC(),
	}
	if check != nil {
		m.checks[component] = check
	}
}

// UpdateStatus 更新组件状态
// 变为不健康或从不健康恢复时触发回调
func (m *Monitor) UpdateStatus(component string, status Status, message string) {
	m.mutex.Lock()
	hs, exists := m.components[component]
	if !exists {
		hs = &HealthStatus{Component: component, Status: StatusUnknown}
		m.components[component] = hs
	}

	oldStatus := hs.Status
	hs.Status = status
	hs.LastChecked = m.now().UTC()
	hs.Message = message
	m.mutex.Unlock()

	if m.alertFunc == nil || oldStatus == status {
		return
	}
	if status == StatusUnhealthy || oldStatus == StatusUnhealthy {
		m.alertFunc(component, status, message)
	}
}

// CheckAll 执行所有已注册的探活
func (m *Monitor) CheckAll(ctx context.Context) {
	m.mutex.RLock()
	checks := make(map[string]CheckFunc, len(m.checks))
	for name, check := range m.checks {
		checks[name] = check
	}
	m.mutex.RUnlock()

	for name, check := range checks {
		if err := check(ctx); err != nil {
			m.UpdateStatus(name, StatusUnhealthy, err.Error())
			continue
		}
		m.UpdateStatus(name, StatusHealthy, "")
	}
}

// GetStatus 获取组件状态
func (m *Monitor) GetStatus(component string) *HealthStatus {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	if status, exists := m.components[component]; exists {
		cp := *status
		return &cp
	}

	return nil
}

// GetAllStatus 获取所有组件状态，按组件名排序
func (m *Monitor) GetAllStatus() []HealthStatus {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	statuses := make([]HealthStatus, 0, len(m.components))
	for _, status := range m.components {
		statuses = append(statuses, *status)
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Component < statuses[j].Component
	})

	return statuses
}

// Healthy 没有不健康的组件
func (m *Monitor) Healthy() bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	for _, status := range m.components {
		if status.Status == StatusUnhealthy {
			return false
		}
	}
	return true
}
