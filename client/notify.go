package client

import "go.uber.org/zap"

// Dispatcher turns inbound push events into OS notifications. The
// foreground and background entry points render the same shape; each
// independently guarantees the channel exists, because the background
// handler can run in a process where nothing else has.
type Dispatcher struct {
	channels *ChannelManager
	notifier Notifier
	channel  Channel
	log      *zap.SugaredLogger
}

func NewDispatcher(channels *ChannelManager, notifier Notifier, ch Channel) *Dispatcher {
	return &Dispatcher{
		channels: channels,
		notifier: notifier,
		channel:  ch,
		log:      zap.S().With("method", "notify"),
	}
}

// Attach wires the dispatcher to a push transport for both lifecycle
// paths. The returned subscription covers the foreground stream; the
// background handler stays registered for the process lifetime.
func (d *Dispatcher) Attach(transport PushTransport) Subscription {
	transport.SetBackgroundHandler(d.HandleBackground)
	return transport.OnMessage(d.HandleForeground)
}

// HandleForeground renders a notification for an event received while
// the process runs. No suppression for an already-visible chat view.
func (d *Dispatcher) HandleForeground(ev PushEvent) {
	d.render(ev)
}

// HandleBackground renders a notification for an event delivered by the
// push transport outside the normal app lifecycle.
func (d *Dispatcher) HandleBackground(ev PushEvent) {
	d.render(ev)
}

func (d *Dispatcher) render(ev PushEvent) {
	d.channels.Ensure(d.channel)
	// Missing payload fields display empty rather than erroring.
	var n Notification
	if ev.Notification != nil {
		n = *ev.Notification
	}
	if err := d.notifier.Display(n, d.channel.ID); err != nil {
		d.log.Error("display:", err)
	}
}
