// Package system defines the lifecycle contract shared by application
// components and a manager that starts and stops them deterministically.
package system

import (
	"context"

	"github.com/registerlabs/posbridge/pkg/logger"
)

// Service represents a lifecycle-managed component. All application modules
// implement this interface so the manager can start and stop them
// deterministically.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Manager starts services in registration order and stops them in reverse.
type Manager struct {
	log      *logger.Logger
	services []Service
	started  []Service
}

// NewManager creates an empty manager.
func NewManager(log *logger.Logger) *Manager {
	if log == nil {
		log = logger.NewDefault("system")
	}
	return &Manager{log: log}
}

// Register appends services to the start order.
func (m *Manager) Register(services ...Service) {
	m.services = append(m.services, services...)
}

// Start starts every registered service. On failure it stops the services
// already started, in reverse order, and returns the start error.
func (m *Manager) Start(ctx context.Context) error {
	for _, svc := range m.services {
		m.log.WithField("service", svc.Name()).Info("starting")
		if err := svc.Start(ctx); err != nil {
			m.log.WithError(err).WithField("service", svc.Name()).Error("start failed")
			m.stopStarted(ctx)
			return err
		}
		m.started = append(m.started, svc)
	}
	return nil
}

// Stop stops the started services in reverse order. Stop errors are logged,
// not returned, so teardown always runs to completion.
func (m *Manager) Stop(ctx context.Context) {
	m.stopStarted(ctx)
}

func (m *Manager) stopStarted(ctx context.Context) {
	for i := len(m.started) - 1; i >= 0; i-- {
		svc := m.started[i]
		if err := svc.Stop(ctx); err != nil {
			m.log.WithError(err).WithField("service", svc.Name()).Warn("stop failed")
		}
	}
	m.started = nil
}
