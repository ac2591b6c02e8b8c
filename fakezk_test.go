package zkgrid

// An in-memory ZooKeeper stand-in, just enough of the
// wire semantics to drive the discovery engine in tests:
// persistent/ephemeral/sequential creates, one-shot
// data/children/exists watches, per-parent sequence
// counters, and session expiry that reaps ephemerals.
// It plays the role simnet plays for the rpc tests: the
// whole cluster runs in-process and deterministically
// enough to assert on.

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/go-zookeeper/zk"
)

type fakeZnode struct {
	data    []byte
	version int32
	owner   *fakeConn // nil for persistent znodes
}

type fakeZK struct {
	mut sync.Mutex

	nodes map[string]*fakeZnode
	seq   map[string]int // per-parent sequence counter

	dataW  map[string][]chan zk.Event // fires on set/delete
	childW map[string][]chan zk.Event // fires on child create/delete
	existW map[string][]chan zk.Event // fires on create/set/delete
}

func newFakeZK() *fakeZK {
	return &fakeZK{
		nodes:  map[string]*fakeZnode{"/": {}},
		seq:    make(map[string]int),
		dataW:  make(map[string][]chan zk.Event),
		childW: make(map[string][]chan zk.Event),
		existW: make(map[string][]chan zk.Event),
	}
}

var _ zkConn = (*fakeConn)(nil)

// fakeConn is one client session. It implements zkConn.
type fakeConn struct {
	srv     *fakeZK
	session chan zk.Event
	dead    bool
}

func (s *fakeZK) connect() *fakeConn {
	return &fakeConn{
		srv:     s,
		session: make(chan zk.Event, 16),
	}
}

// expireSession kills a session: its ephemerals vanish and
// the client observes StateExpired, exactly the terminal
// condition the engine treats as segmentation.
func (s *fakeZK) expireSession(c *fakeConn) {
	s.mut.Lock()
	c.dead = true
	s.reapEphemeralsLocked(c)
	s.mut.Unlock()

	c.session <- zk.Event{Type: zk.EventSession, State: zk.StateExpired}
}

func (s *fakeZK) reapEphemeralsLocked(c *fakeConn) {
	var doomed []string
	for path, n := range s.nodes {
		if n.owner == c {
			doomed = append(doomed, path)
		}
	}
	// children before parents.
	sort.Slice(doomed, func(i, j int) bool { return len(doomed[i]) > len(doomed[j]) })
	for _, path := range doomed {
		s.deleteLocked(path)
	}
}

func parentOf(path string) string {
	i := strings.LastIndexByte(path, '/')
	if i <= 0 {
		return "/"
	}
	return path[:i]
}

func (s *fakeZK) fire(m map[string][]chan zk.Event, path string, typ zk.EventType) {
	for _, ch := range m[path] {
		select {
		case ch <- zk.Event{Type: typ, Path: path}:
		default:
		}
	}
	delete(m, path)
}

func (s *fakeZK) deleteLocked(path string) {
	delete(s.nodes, path)
	s.fire(s.dataW, path, zk.EventNodeDeleted)
	s.fire(s.existW, path, zk.EventNodeDeleted)
	s.fire(s.childW, parentOf(path), zk.EventNodeChildrenChanged)
}

func (s *fakeZK) childrenLocked(path string) (r []string) {
	prefix := path + "/"
	if path == "/" {
		prefix = "/"
	}
	for p := range s.nodes {
		if !strings.HasPrefix(p, prefix) || p == path {
			continue
		}
		rest := p[len(prefix):]
		if strings.IndexByte(rest, '/') >= 0 {
			continue // not a direct child
		}
		r = append(r, rest)
	}
	sort.Strings(r)
	return
}

// test helpers, callable from any goroutine.

func (s *fakeZK) exists(path string) bool {
	s.mut.Lock()
	defer s.mut.Unlock()
	_, ok := s.nodes[path]
	return ok
}

func (s *fakeZK) childCount(path string) int {
	s.mut.Lock()
	defer s.mut.Unlock()
	return len(s.childrenLocked(path))
}

// zkConn implementation.

func (c *fakeConn) Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error) {
	s := c.srv
	s.mut.Lock()
	defer s.mut.Unlock()
	if c.dead {
		return "", zk.ErrSessionExpired
	}
	parent := parentOf(path)
	if _, ok := s.nodes[parent]; !ok {
		return "", zk.ErrNoNode
	}
	name := path
	if flags&zk.FlagSequence != 0 {
		n := s.seq[parent]
		s.seq[parent] = n + 1
		name = fmt.Sprintf("%v%010d", path, n)
	} else if _, ok := s.nodes[name]; ok {
		return "", zk.ErrNodeExists
	}
	node := &fakeZnode{data: data}
	if flags&zk.FlagEphemeral != 0 {
		node.owner = c
	}
	s.nodes[name] = node
	s.fire(s.existW, name, zk.EventNodeCreated)
	s.fire(s.childW, parent, zk.EventNodeChildrenChanged)
	return name, nil
}

func (c *fakeConn) Get(path string) ([]byte, *zk.Stat, error) {
	s := c.srv
	s.mut.Lock()
	defer s.mut.Unlock()
	if c.dead {
		return nil, nil, zk.ErrSessionExpired
	}
	n, ok := s.nodes[path]
	if !ok {
		return nil, nil, zk.ErrNoNode
	}
	return n.data, &zk.Stat{Version: n.version}, nil
}

func (c *fakeConn) GetW(path string) ([]byte, *zk.Stat, <-chan zk.Event, error) {
	s := c.srv
	s.mut.Lock()
	defer s.mut.Unlock()
	if c.dead {
		return nil, nil, nil, zk.ErrSessionExpired
	}
	n, ok := s.nodes[path]
	if !ok {
		return nil, nil, nil, zk.ErrNoNode
	}
	ch := make(chan zk.Event, 16)
	s.dataW[path] = append(s.dataW[path], ch)
	return n.data, &zk.Stat{Version: n.version}, ch, nil
}

func (c *fakeConn) Set(path string, data []byte, version int32) (*zk.Stat, error) {
	s := c.srv
	s.mut.Lock()
	defer s.mut.Unlock()
	if c.dead {
		return nil, zk.ErrSessionExpired
	}
	n, ok := s.nodes[path]
	if !ok {
		return nil, zk.ErrNoNode
	}
	if version != -1 && version != n.version {
		return nil, zk.ErrBadVersion
	}
	n.data = data
	n.version++
	s.fire(s.dataW, path, zk.EventNodeDataChanged)
	s.fire(s.existW, path, zk.EventNodeDataChanged)
	return &zk.Stat{Version: n.version}, nil
}

func (c *fakeConn) Children(path string) ([]string, *zk.Stat, error) {
	s := c.srv
	s.mut.Lock()
	defer s.mut.Unlock()
	if c.dead {
		return nil, nil, zk.ErrSessionExpired
	}
	if _, ok := s.nodes[path]; !ok {
		return nil, nil, zk.ErrNoNode
	}
	return s.childrenLocked(path), &zk.Stat{}, nil
}

func (c *fakeConn) ChildrenW(path string) ([]string, *zk.Stat, <-chan zk.Event, error) {
	s := c.srv
	s.mut.Lock()
	defer s.mut.Unlock()
	if c.dead {
		return nil, nil, nil, zk.ErrSessionExpired
	}
	if _, ok := s.nodes[path]; !ok {
		return nil, nil, nil, zk.ErrNoNode
	}
	ch := make(chan zk.Event, 16)
	s.childW[path] = append(s.childW[path], ch)
	return s.childrenLocked(path), &zk.Stat{}, ch, nil
}

func (c *fakeConn) Exists(path string) (bool, *zk.Stat, error) {
	s := c.srv
	s.mut.Lock()
	defer s.mut.Unlock()
	if c.dead {
		return false, nil, zk.ErrSessionExpired
	}
	n, ok := s.nodes[path]
	if !ok {
		return false, nil, nil
	}
	return true, &zk.Stat{Version: n.version}, nil
}

func (c *fakeConn) ExistsW(path string) (bool, *zk.Stat, <-chan zk.Event, error) {
	s := c.srv
	s.mut.Lock()
	defer s.mut.Unlock()
	if c.dead {
		return false, nil, nil, zk.ErrSessionExpired
	}
	ch := make(chan zk.Event, 16)
	s.existW[path] = append(s.existW[path], ch)
	n, ok := s.nodes[path]
	if !ok {
		return false, nil, ch, nil
	}
	return true, &zk.Stat{Version: n.version}, ch, nil
}

func (c *fakeConn) Delete(path string, version int32) error {
	s := c.srv
	s.mut.Lock()
	defer s.mut.Unlock()
	if c.dead {
		return zk.ErrSessionExpired
	}
	n, ok := s.nodes[path]
	if !ok {
		return zk.ErrNoNode
	}
	if version != -1 && version != n.version {
		return zk.ErrBadVersion
	}
	if len(s.childrenLocked(path)) > 0 {
		return zk.ErrNotEmpty
	}
	s.deleteLocked(path)
	return nil
}

func (c *fakeConn) Close() {
	s := c.srv
	s.mut.Lock()
	defer s.mut.Unlock()
	if c.dead {
		return
	}
	c.dead = true
	s.reapEphemeralsLocked(c)
}
