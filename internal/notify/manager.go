package notify

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"phemex-tools/internal/logging"
)

type Notifier interface {
	Notify(ctx context.Context, msg string) error
}

// Alerter is the narrow interface handed to components that raise events.
type Alerter interface {
	Important(event string, fields map[string]string)
}

const (
	defaultQueueSize          = 128
	defaultDropReportInterval = time.Minute
	sendTimeout               = 20 * time.Second
)

type ManagerOptions struct {
	QueueSize          int
	DropReportInterval time.Duration
	Logger             *logging.Log
}

// Manager delivers events to a Notifier from a single goroutine. Important
// never blocks the caller: when the queue is full the event is dropped and
// counted.
type Manager struct {
	mode                 string
	notifier             Notifier
	log                  *logging.Entry
	queue                chan event
	stop                 chan struct{}
	done                 chan struct{}
	dropReportInterval   time.Duration
	droppedTotal         uint64
	droppedSinceReported uint64
	wg                   sync.WaitGroup
	mu                   sync.RWMutex
	closed               bool
}

type event struct {
	name   string
	fields map[string]string
	at     time.Time
}

func NewManager(mode string, notifier Notifier, log *logging.Log) *Manager {
	return NewManagerWithOptions(mode, notifier, ManagerOptions{
		QueueSize:          defaultQueueSize,
		DropReportInterval: defaultDropReportInterval,
		Logger:             log,
	})
}

// NewManagerWithOptions returns nil when notifier is nil; a nil *Manager
// is a valid no-op Alerter.
func NewManagerWithOptions(mode string, notifier Notifier, opts ManagerOptions) *Manager {
	if notifier == nil {
		return nil
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	reportInterval := opts.DropReportInterval
	if reportInterval < 0 {
		reportInterval = 0
	}
	m := &Manager{
		mode:               mode,
		notifier:           notifier,
		log:                opts.Logger.WithComponent("notify"),
		queue:              make(chan event, queueSize),
		stop:               make(chan struct{}),
		done:               make(chan struct{}),
		dropReportInterval: reportInterval,
	}
	m.wg.Add(1)
	go m.loop()
	if m.dropReportInterval > 0 {
		m.wg.Add(1)
		go m.dropReportLoop()
	}
	go func() {
		m.wg.Wait()
		close(m.done)
	}()
	return m
}

func (m *Manager) Important(name string, fields map[string]string) {
	if m == nil || m.notifier == nil {
		return
	}
	ev := event{name: name, fields: cloneFields(fields), at: time.Now().UTC()}
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return
	}
	select {
	case m.queue <- ev:
		m.mu.RUnlock()
		return
	default:
		droppedTotal := atomic.AddUint64(&m.droppedTotal, 1)
		droppedInWindow := atomic.AddUint64(&m.droppedSinceReported, 1)
		m.mu.RUnlock()
		// First drop in a window is logged at once; the rest go into the periodic summary.
		if droppedInWindow == 1 {
			m.log.WithFields(logging.Fields{
				"target_event":  name,
				"reason":        "queue_full",
				"dropped_total": droppedTotal,
				"queue_len":     len(m.queue),
				"queue_cap":     cap(m.queue),
			}).Warn("notify queue dropped event")
		}
	}
}

// Close stops intake and waits until queued events are delivered or ctx ends.
func (m *Manager) Close(ctx context.Context) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.stop)
	done := m.done
	m.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) loop() {
	defer m.wg.Done()
	for {
		select {
		case ev := <-m.queue:
			m.send(ev)
		case <-m.stop:
			for {
				select {
				case ev := <-m.queue:
					m.send(ev)
				default:
					m.reportDroppedSummary()
					return
				}
			}
		}
	}
}

func (m *Manager) dropReportLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.dropReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.reportDroppedSummary()
		case <-m.stop:
			m.reportDroppedSummary()
			return
		}
	}
}

func (m *Manager) reportDroppedSummary() {
	dropped := atomic.SwapUint64(&m.droppedSinceReported, 0)
	if dropped == 0 {
		return
	}
	m.log.WithFields(logging.Fields{
		"dropped_since_last":  dropped,
		"dropped_total":       atomic.LoadUint64(&m.droppedTotal),
		"report_interval_sec": int64(m.dropReportInterval / time.Second),
		"queue_len":           len(m.queue),
		"queue_cap":           cap(m.queue),
	}).Warn("notify queue drop report")
}

func (m *Manager) droppedStats() (uint64, uint64) {
	if m == nil {
		return 0, 0
	}
	return atomic.LoadUint64(&m.droppedTotal), atomic.LoadUint64(&m.droppedSinceReported)
}

func (m *Manager) send(ev event) {
	msg := m.buildMessage(ev)
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := m.notifier.Notify(ctx, msg); err != nil {
		m.log.WithError(err).WithFields(logging.Fields{"target_event": ev.name}).Error("notify failed")
	}
}

func (m *Manager) buildMessage(ev event) string {
	lines := []string{
		"[phemex-tools] important",
		"time: " + ev.at.Format(time.RFC3339),
		"mode: " + m.mode,
		"event: " + ev.name,
	}
	keys := make([]string, 0, len(ev.fields))
	for k := range ev.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		lines = append(lines, k+": "+ev.fields[k])
	}
	return strings.Join(lines, "\n")
}

func cloneFields(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
