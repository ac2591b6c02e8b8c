package zkgrid

import (
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glycerine/idem"
	"github.com/go-zookeeper/zk"
)

// ErrClientFailed is returned by every facade operation
// after terminal disconnect (session expiry or Close).
// Callers must treat it as the end of the world: no
// further discovery events will be delivered.
var ErrClientFailed = errors.New("zkgrid: zookeeper client failed")

// zkConn is the slice of *zk.Conn the facade drives.
// Tests substitute an in-memory implementation; see
// fakezk_test.go.
type zkConn interface {
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	Get(path string) ([]byte, *zk.Stat, error)
	GetW(path string) ([]byte, *zk.Stat, <-chan zk.Event, error)
	Set(path string, data []byte, version int32) (*zk.Stat, error)
	Children(path string) ([]string, *zk.Stat, error)
	ChildrenW(path string) ([]string, *zk.Stat, <-chan zk.Event, error)
	Exists(path string) (bool, *zk.Stat, error)
	ExistsW(path string) (bool, *zk.Stat, <-chan zk.Event, error)
	Delete(path string, version int32) error
	Close()
}

var _ zkConn = (*zk.Conn)(nil)

// Client is a thin, retrying facade over a ZooKeeper
// session. Transient errors are retried with
// decorrelated-jitter delays (see retryPacer) until
// success or session-loss escalation; after
// escalation every operation fails with ErrClientFailed
// and the connection-loss callback has fired exactly once
// (possibly from any goroutine).
type Client struct {
	conn zkConn
	halt *idem.Halter

	onConnLoss   func()
	connLossOnce sync.Once

	failed atomic.Bool
}

// newClient opens a ZooKeeper session. connectString is a
// comma separated host:port list.
func newClient(connectString string, sessionTimeout time.Duration, onConnLoss func()) (*Client, error) {
	servers := strings.Split(connectString, ",")
	conn, sessionEvents, err := zk.Connect(servers, sessionTimeout)
	if err != nil {
		return nil, err
	}
	c := &Client{
		conn:       conn,
		halt:       idem.NewHalter(),
		onConnLoss: onConnLoss,
	}
	go c.watchSession(sessionEvents)
	return c, nil
}

// newClientFromConn wraps an existing connection; used by
// the tests to drive the engine over a fake ZooKeeper.
func newClientFromConn(conn zkConn, sessionEvents <-chan zk.Event, onConnLoss func()) *Client {
	c := &Client{
		conn:       conn,
		halt:       idem.NewHalter(),
		onConnLoss: onConnLoss,
	}
	if sessionEvents != nil {
		go c.watchSession(sessionEvents)
	}
	return c
}

// watchSession observes the global session event stream
// and escalates session expiry to terminal failure.
func (c *Client) watchSession(sessionEvents <-chan zk.Event) {
	for {
		select {
		case ev, ok := <-sessionEvents:
			if !ok {
				return
			}
			if ev.Type != zk.EventSession {
				continue
			}
			switch ev.State {
			case zk.StateExpired, zk.StateAuthFailed:
				alwaysPrintf("zookeeper session lost (%v), client failed", ev.State)
				c.fail()
				return
			case zk.StateDisconnected:
				pp("zookeeper disconnected; awaiting reconnect")
			}
		case <-c.halt.ReqStop.Chan:
			return
		}
	}
}

// fail marks the client terminally failed and fires the
// connection-loss callback exactly once.
func (c *Client) fail() {
	if c.failed.Swap(true) {
		return
	}
	c.halt.ReqStop.CloseWithReason(ErrClientFailed)
	c.connLossOnce.Do(func() {
		if c.onConnLoss != nil {
			go c.onConnLoss()
		}
	})
}

// Close shuts the session down without firing the
// connection-loss callback.
func (c *Client) Close() {
	c.failed.Store(true)
	c.connLossOnce.Do(func() {}) // suppress
	c.halt.ReqStop.Close()
	c.conn.Close()
	c.halt.Done.Close()
}

// Failed reports whether the client is terminally dead.
func (c *Client) Failed() bool {
	return c.failed.Load()
}

// retryable reports whether err is a transient condition
// that the session may recover from.
func retryable(err error) bool {
	return errors.Is(err, zk.ErrConnectionClosed)
}

// retry runs f until success, a non-retryable error, or
// terminal failure.
func (c *Client) retry(op string, f func() error) error {
	pacer := newRetryPacer(op)
	for {
		if c.failed.Load() {
			return ErrClientFailed
		}
		err := f()
		if err == nil {
			return nil
		}
		if errors.Is(err, zk.ErrSessionExpired) {
			c.fail()
			return ErrClientFailed
		}
		if !retryable(err) {
			return err
		}
		if perr := pacer.pause(c.halt, err); perr != nil {
			return perr
		}
	}
}

// CreateIfNeeded creates path with the given mode flags,
// tolerating pre-existence. Missing persistent parents are
// created on demand. It returns the created name (with the
// server-assigned suffix for sequential modes).
func (c *Client) CreateIfNeeded(path string, data []byte, flags int32) (created string, err error) {
	created, err = c.createOnce(path, data, flags)
	if errors.Is(err, zk.ErrNoNode) {
		// missing parent; create the chain and retry.
		if perr := c.createParents(path); perr != nil {
			return "", perr
		}
		created, err = c.createOnce(path, data, flags)
	}
	return
}

func (c *Client) createOnce(path string, data []byte, flags int32) (created string, err error) {
	err = c.retry("create "+path, func() error {
		name, err := c.conn.Create(path, data, flags, zk.WorldACL(zk.PermAll))
		switch {
		case err == nil:
			created = name
			return nil
		case errors.Is(err, zk.ErrNodeExists):
			created = path
			return nil
		default:
			return err
		}
	})
	return
}

func (c *Client) createParents(path string) error {
	i := strings.LastIndexByte(path, '/')
	if i <= 0 {
		return nil
	}
	parent := path[:i]
	_, err := c.CreateAllIfNeeded(splitIntoAncestors(parent))
	return err
}

// splitIntoAncestors expands "/a/b/c" into
// ["/a", "/a/b", "/a/b/c"].
func splitIntoAncestors(path string) (r []string) {
	for i := 1; i < len(path); i++ {
		if path[i] == '/' {
			r = append(r, path[:i])
		}
	}
	r = append(r, path)
	return
}

// CreateAllIfNeeded creates every path in order as a
// PERSISTENT znode, tolerating pre-existence.
func (c *Client) CreateAllIfNeeded(paths []string) (last string, err error) {
	for _, p := range paths {
		err = c.retry("create "+p, func() error {
			_, err := c.conn.Create(p, nil, 0, zk.WorldACL(zk.PermAll))
			if errors.Is(err, zk.ErrNodeExists) {
				return nil
			}
			return err
		})
		if err != nil {
			return
		}
		last = p
	}
	return
}

// GetData reads path. A zk.ErrNoNode result is returned
// as-is; some callers treat it as benign.
func (c *Client) GetData(path string) (data []byte, err error) {
	err = c.retry("get "+path, func() error {
		var e error
		data, _, e = c.conn.Get(path)
		return e
	})
	return
}

// SetData writes path at the given version (-1 to ignore).
func (c *Client) SetData(path string, data []byte, version int32) error {
	return c.retry("set "+path, func() error {
		_, err := c.conn.Set(path, data, version)
		return err
	})
}

// GetChildren lists the children of path.
func (c *Client) GetChildren(path string) (children []string, err error) {
	err = c.retry("children "+path, func() error {
		var e error
		children, _, e = c.conn.Children(path)
		return e
	})
	return
}

// Exists reports whether path exists.
func (c *Client) Exists(path string) (ok bool, err error) {
	err = c.retry("exists "+path, func() error {
		var e error
		ok, _, e = c.conn.Exists(path)
		return e
	})
	return
}

// DeleteIfExists deletes path, tolerating absence.
func (c *Client) DeleteIfExists(path string, version int32) error {
	return c.retry("delete "+path, func() error {
		err := c.conn.Delete(path, version)
		if errors.Is(err, zk.ErrNoNode) {
			return nil
		}
		return err
	})
}

// DeleteAll deletes each named child of parent,
// tolerating absence.
func (c *Client) DeleteAll(parent string, children []string, version int32) error {
	for _, child := range children {
		if err := c.DeleteIfExists(parent+"/"+child, version); err != nil {
			return err
		}
	}
	return nil
}

// asynchronous, watched variants. Callbacks run on a
// facade goroutine; the discovery engine reposts them onto
// its dispatch lane.

// GetDataAsync fetches path and delivers (data, err) to
// cb. With rearm true the fetch repeats after every
// NodeDataChanged or NodeDeleted observation, matching a
// re-registered ZooKeeper data watch, until a terminal
// watch event or client stop.
func (c *Client) GetDataAsync(path string, rearm bool, cb func(path string, data []byte, err error)) {
	go func() {
		for {
			var data []byte
			var ev <-chan zk.Event
			err := c.retry("getw "+path, func() error {
				var e error
				data, _, ev, e = c.conn.GetW(path)
				return e
			})
			cb(path, data, err)
			if err != nil || !rearm {
				return
			}
			select {
			case e := <-ev:
				switch e.Type {
				case zk.EventNodeDataChanged, zk.EventNodeDeleted:
					continue
				default:
					return
				}
			case <-c.halt.ReqStop.Chan:
				return
			}
		}
	}()
}

// GetChildrenAsync lists path and delivers to cb; with
// rearm true it re-lists after every NodeChildrenChanged.
func (c *Client) GetChildrenAsync(path string, rearm bool, cb func(path string, children []string, err error)) {
	go func() {
		for {
			var children []string
			var ev <-chan zk.Event
			err := c.retry("childrenw "+path, func() error {
				var e error
				children, _, ev, e = c.conn.ChildrenW(path)
				return e
			})
			cb(path, children, err)
			if err != nil || !rearm {
				return
			}
			select {
			case e := <-ev:
				if e.Type == zk.EventNodeChildrenChanged {
					continue
				}
				return
			case <-c.halt.ReqStop.Chan:
				return
			}
		}
	}()
}

// ExistsWatchGone delivers exactly one callback when path
// is observed absent: immediately if it does not exist
// now, otherwise upon its deletion. Data changes on the
// watched node re-arm the watch.
func (c *Client) ExistsWatchGone(path string, cb func(path string)) {
	go func() {
		for {
			var ok bool
			var ev <-chan zk.Event
			err := c.retry("existsw "+path, func() error {
				var e error
				ok, _, ev, e = c.conn.ExistsW(path)
				return e
			})
			if err != nil {
				// terminal; segmentation handling owns it.
				return
			}
			if !ok {
				cb(path)
				return
			}
			select {
			case e := <-ev:
				switch e.Type {
				case zk.EventNodeDeleted:
					cb(path)
					return
				case zk.EventNodeDataChanged, zk.EventNodeCreated:
					continue
				default:
					return
				}
			case <-c.halt.ReqStop.Chan:
				return
			}
		}
	}()
}
