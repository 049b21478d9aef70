package hub

// registry tracks live connections, per-user connection sets, and active
// subscriptions. It performs no locking of its own: the hub's mutex
// guards every access, keeping registration, subscription changes, and
// disconnects from interleaving mid-step.
type registry struct {
	conns  map[string]*Connection
	byUser map[string]map[string]struct{}
	subs   map[string]*Subscription
}

func newRegistry() *registry {
	return &registry{
		conns:  make(map[string]*Connection),
		byUser: make(map[string]map[string]struct{}),
		subs:   make(map[string]*Subscription),
	}
}

func (r *registry) add(conn *Connection) {
	r.conns[conn.ID] = conn
	set, ok := r.byUser[conn.UserID]
	if !ok {
		set = make(map[string]struct{})
		r.byUser[conn.UserID] = set
	}
	set[conn.ID] = struct{}{}
}

// remove drops the connection from every index, including its
// subscription, and returns it. A Subscription never outlives its
// Connection.
func (r *registry) remove(connID string) *Connection {
	conn, ok := r.conns[connID]
	if !ok {
		return nil
	}
	delete(r.conns, connID)
	delete(r.subs, connID)
	if set, ok := r.byUser[conn.UserID]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(r.byUser, conn.UserID)
		}
	}
	return conn
}

func (r *registry) get(connID string) (*Connection, bool) {
	conn, ok := r.conns[connID]
	return conn, ok
}

func (r *registry) userConnCount(userID string) int {
	return len(r.byUser[userID])
}

// subscriptionSnapshot copies the current subscription set so broadcast
// can iterate without the lock; sends may disconnect connections and
// mutate the registry mid-iteration.
func (r *registry) subscriptionSnapshot() []*Subscription {
	out := make([]*Subscription, 0, len(r.subs))
	for _, s := range r.subs {
		out = append(out, s)
	}
	return out
}
