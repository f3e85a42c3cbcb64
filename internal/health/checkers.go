package health

import (
	"context"
	"time"
)

// FuncChecker — проверка на основе функции. Необязательный компонент
// при ошибке даёт degraded вместо unhealthy.
type FuncChecker struct {
	name     string
	optional bool
	probe    func(ctx context.Context) error
}

func NewFuncChecker(name string, probe func(ctx context.Context) error) *FuncChecker {
	return &FuncChecker{name: name, probe: probe}
}

// NewOptionalChecker создаёт проверку компонента, без которого сервис работает.
func NewOptionalChecker(name string, probe func(ctx context.Context) error) *FuncChecker {
	return &FuncChecker{name: name, optional: true, probe: probe}
}

// Pinger умеет проверять соединение с хранилищем или брокером.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewPingChecker проверяет компонент вызовом Ping.
func NewPingChecker(name string, p Pinger) *FuncChecker {
	return NewFuncChecker(name, p.Ping)
}

func (c *FuncChecker) Check(ctx context.Context) Check {
	started := time.Now()
	err := c.probe(ctx)

	check := Check{
		Name:       c.name,
		Status:     StatusHealthy,
		DurationMs: time.Since(started).Milliseconds(),
	}
	if err == nil {
		return check
	}
	check.Message = err.Error()
	check.Status = StatusUnhealthy
	if c.optional {
		check.Status = StatusDegraded
	}
	return check
}
