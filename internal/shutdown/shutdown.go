// Package shutdown runs registered hooks in priority order when the process is asked to stop.
package shutdown

import (
	"cmp"
	"context"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/hako/durafmt"

	"github.com/shepherd-project/modelfetch/internal/logger"
)

// Hook is called once during shutdown
type Hook func(ctx context.Context) error

// HookPriority defines the order in which hooks are executed
type HookPriority int

const (
	// PriorityCritical hooks run first, e.g. stop accepting HTTP requests
	PriorityCritical HookPriority = 0
	// PriorityHigh hooks run second, e.g. cancel downloads in flight
	PriorityHigh HookPriority = 1
	// PriorityNormal hooks run third, e.g. close the history store
	PriorityNormal HookPriority = 2
	// PriorityLow hooks run last, e.g. flush logs
	PriorityLow HookPriority = 3
)

type registeredHook struct {
	name     string
	hook     Hook
	priority HookPriority
}

// Manager manages graceful shutdown
type Manager struct {
	mu       sync.Mutex
	hooks    []registeredHook
	timeout  time.Duration
	log      *logger.Logger
	sigChan  chan os.Signal
	stopChan chan struct{}
	done     chan struct{}
	started  bool
	once     sync.Once
}

// NewManager creates a shutdown manager; timeout bounds each hook
func NewManager(timeout time.Duration, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Manager{
		timeout:  timeout,
		log:      log,
		sigChan:  make(chan os.Signal, 1),
		stopChan: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Register adds a hook. Hooks of equal priority run in registration order.
func (m *Manager) Register(name string, hook Hook, priority HookPriority) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.hooks = append(m.hooks, registeredHook{name: name, hook: hook, priority: priority})
	m.log.Debugf("Registered shutdown hook: %s (priority: %d)", name, priority)
}

// Start begins listening for SIGINT, SIGTERM and SIGQUIT
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	signal.Notify(m.sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		select {
		case sig := <-m.sigChan:
			m.log.Infof("收到关闭信号: %v", sig)
		case <-m.stopChan:
			m.log.Info("收到程序停止请求")
		}
		signal.Stop(m.sigChan)
		m.Shutdown()
	}()
}

// Stop triggers shutdown programmatically once Start was called
func (m *Manager) Stop() {
	select {
	case m.stopChan <- struct{}{}:
	default:
	}
}

// Shutdown runs every hook once, ordered by priority, and returns when all are done
func (m *Manager) Shutdown() {
	m.once.Do(func() {
		defer close(m.done)

		m.mu.Lock()
		hooks := slices.Clone(m.hooks)
		m.mu.Unlock()
		slices.SortStableFunc(hooks, func(a, b registeredHook) int {
			return cmp.Compare(a.priority, b.priority)
		})

		start := time.Now()
		m.log.Info("开始优雅关闭...")
		for _, h := range hooks {
			m.run(h)
		}
		m.log.Infof("优雅关闭完成，用时 %s", durafmt.Parse(time.Since(start)).LimitFirstN(2))
	})
}

func (m *Manager) run(h registeredHook) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	m.log.Infof("执行关闭钩子: %s", h.name)

	done := make(chan error, 1)
	go func() { done <- h.hook(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			m.log.WithError(err).Errorf("关闭钩子 %s 失败", h.name)
			return
		}
		m.log.Infof("关闭钩子 %s 完成", h.name)
	case <-ctx.Done():
		m.log.Errorf("关闭钩子 %s 超时 (%v)", h.name, m.timeout)
	}
}

// Done is closed when every hook has run
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Wait blocks until shutdown is complete
func (m *Manager) Wait() {
	<-m.done
}
