package telemetry

// Subscribe registers a live event listener for the SSE surface. The
// returned cancel func must be called when the listener goes away. Slow
// subscribers lose events rather than slow the pipeline.
func (p *Pipeline) Subscribe() (<-chan Event, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Event, 64)
	p.subscribers[id] = ch

	cancel := func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if c, ok := p.subscribers[id]; ok {
			delete(p.subscribers, id)
			close(c)
		}
	}
	return ch, cancel
}

func (p *Pipeline) publish(ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}
