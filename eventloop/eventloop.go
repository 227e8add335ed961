// Package eventloop provides the single-consumer event loop that drives the
// coordination core. Network handlers and timers enqueue events; all
// consensus state is mutated by handlers running on the loop goroutine.
package eventloop

import (
	"context"
	"reflect"
	"sync"
	"time"
)

type handlerOpts struct {
	runInAddEvent bool
	priority      bool
}

// HandlerOption sets configuration options for event handlers.
type HandlerOption func(*handlerOpts)

// Prioritize instructs the event loop to run the handler before handlers that do not have priority.
// It should only be used if you must look at an event before other handlers get to look at it.
func Prioritize() HandlerOption {
	return func(ho *handlerOpts) {
		ho.priority = true
	}
}

// UnsafeRunInAddEvent instructs the event loop to run the handler as a part of AddEvent.
// Handlers that use this option can process events before they are added to the event queue.
// Because AddEvent could be running outside the event loop, it is unsafe.
func UnsafeRunInAddEvent() HandlerOption {
	return func(ho *handlerOpts) {
		ho.runInAddEvent = true
	}
}

// EventHandler processes an event.
type EventHandler func(event any)

type handler struct {
	callback EventHandler
	opts     handlerOpts
}

type ticker struct {
	interval time.Duration
	callback func(time.Time) any
	cancel   context.CancelFunc
}

type startTickerEvent struct {
	tickerID int
}

// completion carries a continuation from a worker goroutine back onto the
// event loop goroutine.
type completion struct {
	fn func()
}

// eventQueue is a bounded FIFO of events. Pushing to a full queue evicts
// the oldest entry, so a slow consumer sheds the oldest events first.
type eventQueue struct {
	mut    sync.Mutex
	buf    []any
	start  int // index of the oldest entry in buf
	count  int
	wakeup chan struct{}
}

func newEventQueue(capacity uint) eventQueue {
	if capacity == 0 {
		panic("eventloop: queue capacity must not be 0")
	}
	return eventQueue{
		buf:    make([]any, capacity),
		wakeup: make(chan struct{}, 1),
	}
}

func (q *eventQueue) push(event any) {
	q.mut.Lock()
	if q.count == len(q.buf) {
		// full: evict the oldest entry
		q.start = (q.start + 1) % len(q.buf)
		q.count--
	}
	q.buf[(q.start+q.count)%len(q.buf)] = event
	q.count++
	q.mut.Unlock()

	select {
	case q.wakeup <- struct{}{}:
	default:
	}
}

func (q *eventQueue) pop() (event any, ok bool) {
	q.mut.Lock()
	defer q.mut.Unlock()
	if q.count == 0 {
		return nil, false
	}
	event = q.buf[q.start]
	q.buf[q.start] = nil
	q.start = (q.start + 1) % len(q.buf)
	q.count--
	return event, true
}

func (q *eventQueue) len() int {
	q.mut.Lock()
	defer q.mut.Unlock()
	return q.count
}

// ready signals that at least one push happened since the last receive.
// A spurious wakeup only costs the consumer an empty pop.
func (q *eventQueue) ready() <-chan struct{} {
	return q.wakeup
}

// EventLoop accepts events of any type and executes registered event handlers.
type EventLoop struct {
	eventQ eventQueue

	mut sync.Mutex // protects the following:

	ctx context.Context // set by Run

	waitingEvents map[reflect.Type][]any

	handlers map[reflect.Type][]handler

	tickers  map[int]*ticker
	tickerID int
}

// New returns a new event loop with the requested buffer size.
func New(bufferSize uint) *EventLoop {
	return &EventLoop{
		ctx:           context.Background(),
		eventQ:        newEventQueue(bufferSize),
		waitingEvents: make(map[reflect.Type][]any),
		handlers:      make(map[reflect.Type][]handler),
		tickers:       make(map[int]*ticker),
	}
}

// RegisterHandler registers the given event handler for the given event type
// with the given handler options, if any.
func (el *EventLoop) RegisterHandler(eventType any, callback EventHandler, opts ...HandlerOption) int {
	h := handler{callback: callback}

	for _, opt := range opts {
		opt(&h.opts)
	}

	el.mut.Lock()
	defer el.mut.Unlock()
	t := reflect.TypeOf(eventType)

	handlers := el.handlers[t]

	// search for a free slot for the handler
	i := 0
	for ; i < len(handlers); i++ {
		if handlers[i].callback == nil {
			break
		}
	}

	if i == len(handlers) {
		handlers = append(handlers, h)
	} else {
		handlers[i] = h
	}

	el.handlers[t] = handlers
	return i
}

// UnregisterHandler unregisters the handler for the given event type with the given id.
func (el *EventLoop) UnregisterHandler(eventType any, id int) {
	el.mut.Lock()
	defer el.mut.Unlock()
	el.handlers[reflect.TypeOf(eventType)][id].callback = nil
}

// AddEvent adds an event to the event queue.
func (el *EventLoop) AddEvent(event any) {
	if event != nil {
		// run handlers with runInAddEvent option
		el.processEvent(event, true)
		el.eventQ.push(event)
	}
}

// Defer schedules fn to run on the event loop goroutine.
// It is safe to call from any goroutine.
func (el *EventLoop) Defer(fn func()) {
	el.AddEvent(completion{fn})
}

// Context returns the context associated with the event loop.
// Usually, this context will be the one passed to Run.
// If neither Run nor Tick have been called, Context returns context.Background.
func (el *EventLoop) Context() context.Context {
	el.mut.Lock()
	defer el.mut.Unlock()
	return el.ctx
}

func (el *EventLoop) setContext(ctx context.Context) {
	el.mut.Lock()
	defer el.mut.Unlock()
	el.ctx = ctx
}

// Run runs the event loop. A context object can be provided to stop the event loop.
func (el *EventLoop) Run(ctx context.Context) {
	el.setContext(ctx)

loop:
	for {
		event, ok := el.eventQ.pop()
		if !ok {
			select {
			case <-el.eventQ.ready():
				continue loop
			case <-ctx.Done():
				break loop
			}
		}
		el.dispatch(event)
	}

	// handle the events that were in the queue at cancellation time before quitting.
	l := el.eventQ.len()
	for i := 0; i < l; i++ {
		event, _ := el.eventQ.pop()
		el.dispatch(event)
	}
}

// Tick processes a single event. Returns true if an event was handled.
func (el *EventLoop) Tick(ctx context.Context) bool {
	el.setContext(ctx)

	event, ok := el.eventQ.pop()
	if !ok {
		return false
	}
	el.dispatch(event)
	return true
}

func (el *EventLoop) dispatch(event any) {
	switch e := event.(type) {
	case startTickerEvent:
		el.startTicker(e.tickerID)
	case completion:
		e.fn()
	default:
		el.processEvent(event, false)
	}
}

// processEvent dispatches the event to the correct handlers.
func (el *EventLoop) processEvent(event any, runningInAddEvent bool) {
	t := reflect.TypeOf(event)

	if !runningInAddEvent {
		defer el.dispatchDelayedEvents(t)
	}

	// Must copy handlers to a list so that they can be executed after unlocking the mutex.
	// There should be few handlers (< 10) registered for each event type.
	var priorityList, handlerList []EventHandler

	el.mut.Lock()
	for _, handler := range el.handlers[t] {
		if handler.opts.runInAddEvent != runningInAddEvent || handler.callback == nil {
			continue
		}
		if handler.opts.priority {
			priorityList = append(priorityList, handler.callback)
		} else {
			handlerList = append(handlerList, handler.callback)
		}
	}
	el.mut.Unlock()

	for _, handler := range priorityList {
		handler(event)
	}
	for _, handler := range handlerList {
		handler(event)
	}
}

func (el *EventLoop) dispatchDelayedEvents(t reflect.Type) {
	var (
		events []any
		ok     bool
	)

	el.mut.Lock()
	if events, ok = el.waitingEvents[t]; ok {
		delete(el.waitingEvents, t)
	}
	el.mut.Unlock()

	for _, event := range events {
		el.AddEvent(event)
	}
}

// DelayUntil allows us to delay handling of an event until after another event has happened.
// The eventType parameter decides the type of event to wait for, and it should be the zero value
// of that event type. The event parameter is the event that will be delayed.
func (el *EventLoop) DelayUntil(eventType, event any) {
	if eventType == nil || event == nil {
		return
	}
	el.mut.Lock()
	t := reflect.TypeOf(eventType)
	el.waitingEvents[t] = append(el.waitingEvents[t], event)
	el.mut.Unlock()
}

// AddTicker adds a ticker with the specified interval and returns the ticker id.
// The ticker will send the event returned by callback on the event loop at
// regular intervals. The returned ticker id can be used to remove the ticker
// with RemoveTicker. The ticker will not be started before the event loop is running.
func (el *EventLoop) AddTicker(interval time.Duration, callback func(tick time.Time) (event any)) int {
	el.mut.Lock()

	id := el.tickerID
	el.tickerID++

	ticker := ticker{
		interval: interval,
		callback: callback,
		cancel:   func() {}, // initialized to empty function to avoid nil
	}
	el.tickers[id] = &ticker

	el.mut.Unlock()

	// We want the ticker to inherit the context of the event loop,
	// so we need to start the ticker from the run loop.
	el.eventQ.push(startTickerEvent{id})

	return id
}

// RemoveTicker removes the ticker with the specified id.
// If the ticker was removed, RemoveTicker will return true.
// If the ticker does not exist, false will be returned instead.
func (el *EventLoop) RemoveTicker(id int) bool {
	el.mut.Lock()
	defer el.mut.Unlock()

	ticker, ok := el.tickers[id]
	if !ok {
		return false
	}
	ticker.cancel()
	delete(el.tickers, id)
	return true
}

func (el *EventLoop) startTicker(id int) {
	// lock the mutex such that the ticker cannot be removed until we have started it
	el.mut.Lock()
	defer el.mut.Unlock()
	ticker, ok := el.tickers[id]
	if !ok {
		return
	}
	ctx := el.ctx
	ctx, ticker.cancel = context.WithCancel(ctx)
	go el.runTicker(ctx, ticker)
}

func (el *EventLoop) runTicker(ctx context.Context, ticker *ticker) {
	t := time.NewTicker(ticker.interval)
	defer t.Stop()

	if ctx.Err() != nil {
		return
	}

	// send the first event immediately
	el.AddEvent(ticker.callback(time.Now()))

	for {
		select {
		case tick := <-t.C:
			el.AddEvent(ticker.callback(tick))
		case <-ctx.Done():
			return
		}
	}
}
