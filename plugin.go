package parley

import (
	"context"
	"errors"
	"log/slog"

	"github.com/parleyhq/parley/store"
)

// Plugin defines the interface for parley extensions.
// Plugins can hook into notification delivery to add custom behavior
// such as spam filtering, rate limiting, or content validation.
//
// For observing other operations (read, delete, etc.), use the event
// system instead (ServiceEvents).
type Plugin interface {
	// Name returns the plugin identifier.
	Name() string
	// Init initializes the plugin. Called when service connects.
	Init(ctx context.Context) error
	// Close cleans up plugin resources. Called when service closes.
	Close(ctx context.Context) error
}

// DeliveryHook is called before/after delivering notifications.
// This is the primary extension point for content validation and filtering.
type DeliveryHook interface {
	Plugin
	// BeforeDeliver is called before a notification is persisted. Return
	// an error to abort the delivery.
	BeforeDeliver(ctx context.Context, sender Ref, data store.NotificationData, receivers []Ref) error
	// AfterDeliver is called after a notification is successfully
	// delivered. The notification is already persisted and cannot be
	// rolled back.
	AfterDeliver(ctx context.Context, n *store.Notification, receipts []store.Receipt) error
}

// pluginRegistry holds registered plugins.
type pluginRegistry struct {
	all      []Plugin
	delivery []DeliveryHook
	logger   *slog.Logger
}

// newPluginRegistry creates a new plugin registry.
func newPluginRegistry(logger *slog.Logger) *pluginRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &pluginRegistry{logger: logger}
}

// register adds a plugin to the registry.
func (r *pluginRegistry) register(p Plugin) {
	r.all = append(r.all, p)

	if h, ok := p.(DeliveryHook); ok {
		r.delivery = append(r.delivery, h)
	}
}

// initAll initializes all plugins.
// On failure, already-initialized plugins are closed in reverse order.
func (r *pluginRegistry) initAll(ctx context.Context) error {
	for i, p := range r.all {
		if err := p.Init(ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				if closeErr := r.all[j].Close(ctx); closeErr != nil {
					r.logger.Error("failed to close plugin during init rollback",
						"plugin", r.all[j].Name(), "error", closeErr)
				}
			}
			return &PluginError{Plugin: p.Name(), Op: "init", Err: err}
		}
	}
	return nil
}

// closeAll closes all plugins in reverse order.
func (r *pluginRegistry) closeAll(ctx context.Context) error {
	var errs []error
	for i := len(r.all) - 1; i >= 0; i-- {
		if err := r.all[i].Close(ctx); err != nil {
			errs = append(errs, &PluginError{Plugin: r.all[i].Name(), Op: "close", Err: err})
		}
	}
	return errors.Join(errs...)
}

// PluginError represents an error from a plugin.
type PluginError struct {
	Plugin string
	Op     string
	Err    error
}

func (e *PluginError) Error() string {
	return "plugin " + e.Plugin + " " + e.Op + ": " + e.Err.Error()
}

func (e *PluginError) Unwrap() error {
	return e.Err
}

// Hook execution helpers

func (r *pluginRegistry) beforeDeliver(ctx context.Context, sender Ref, data store.NotificationData, receivers []Ref) error {
	for _, h := range r.delivery {
		if err := h.BeforeDeliver(ctx, sender, data, receivers); err != nil {
			return &PluginError{Plugin: h.Name(), Op: "BeforeDeliver", Err: err}
		}
	}
	return nil
}

func (r *pluginRegistry) afterDeliver(ctx context.Context, n *store.Notification, receipts []store.Receipt) error {
	for _, h := range r.delivery {
		if err := h.AfterDeliver(ctx, n, receipts); err != nil {
			return &PluginError{Plugin: h.Name(), Op: "AfterDeliver", Err: err}
		}
	}
	return nil
}
