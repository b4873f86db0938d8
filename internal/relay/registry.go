package relay

import "sync"

// ConnRegistry maps a socket handle to its Connection. It is guarded by
// a mutex in the style of smux.Session's streams map (SagerNet-smux,
// session.go: map[uint32]*stream behind sync.Mutex), even though the
// event loop is the map's only writer in the single-threaded-owner
// model spec.md §5 requires — the mutex exists so that a goroutine other
// than the event loop could safely read it.
type ConnRegistry struct {
	mu    sync.Mutex
	byFd  map[int]*Connection
}

// NewConnRegistry returns an empty connection registry.
func NewConnRegistry() *ConnRegistry {
	return &ConnRegistry{byFd: make(map[int]*Connection)}
}

// Insert adds conn under fd. If a Connection was already registered
// under fd it is returned so the caller can close it first, per
// spec.md §4.2 ("Inserting a duplicate key closes the previous
// Connection before replacing it").
func (r *ConnRegistry) Insert(fd int, conn *Connection) (previous *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	previous = r.byFd[fd]
	r.byFd[fd] = conn
	return previous
}

// Remove deregisters fd.
func (r *ConnRegistry) Remove(fd int) {
	r.mu.Lock()
	delete(r.byFd, fd)
	r.mu.Unlock()
}

// Lookup resolves fd to its Connection, if any.
func (r *ConnRegistry) Lookup(fd int) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byFd[fd]
	return c, ok
}

// Size returns the number of live connections.
func (r *ConnRegistry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byFd)
}

// Each calls fn for every connection registered when Each is called. It
// takes a snapshot of the fds up front and re-looks-up each one before
// calling fn, without holding the lock, so fn may remove connections
// from the registry; any that are gone by the time they are reached are
// skipped. The idle sweep and shutdown close connections from inside fn
// this way (spec.md §4.4).
func (r *ConnRegistry) Each(fn func(fd int, c *Connection)) {
	r.mu.Lock()
	snapshot := make([]int, 0, len(r.byFd))
	for fd := range r.byFd {
		snapshot = append(snapshot, fd)
	}
	r.mu.Unlock()

	for _, fd := range snapshot {
		r.mu.Lock()
		c, ok := r.byFd[fd]
		r.mu.Unlock()
		if ok {
			fn(fd, c)
		}
	}
}

// SceneRegistry maps both sceneUrl->Scene and sceneId->Scene, as
// spec.md §3/§4.3 requires: a Scene is registered in both maps or
// neither.
type SceneRegistry struct {
	mu     sync.Mutex
	byURL  map[string]*Scene
	byID   map[string]*Scene
	ids    *idSeq
}

// NewSceneRegistry returns an empty scene registry.
func NewSceneRegistry() *SceneRegistry {
	return &SceneRegistry{
		byURL: make(map[string]*Scene),
		byID:  make(map[string]*Scene),
		ids:   newIDSeq(),
	}
}

// FindByURL looks up a Scene by its routing URL.
func (r *SceneRegistry) FindByURL(url string) (*Scene, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byURL[url]
	return s, ok
}

// FindByID looks up a Scene by its assigned id.
func (r *SceneRegistry) FindByID(id string) (*Scene, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	return s, ok
}

// GetOrCreate returns the existing Scene for url, or creates and
// registers a new one with a fresh id (spec.md §3 Scene Lifecycle:
// "created when the first ENTER for an unknown URL arrives").
func (r *SceneRegistry) GetOrCreate(url, name string) (scene *Scene, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.byURL[url]; ok {
		return s, false
	}
	s := newScene(r.ids.Next(), url, name)
	r.byURL[url] = s
	r.byID[s.ID] = s
	return s, true
}

// Destroy removes a Scene from both maps.
func (r *SceneRegistry) Destroy(s *Scene) {
	r.mu.Lock()
	delete(r.byURL, s.URL)
	delete(r.byID, s.ID)
	r.mu.Unlock()
}

// Size returns the number of live scenes.
func (r *SceneRegistry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byURL)
}
