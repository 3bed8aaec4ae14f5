// Package rtmpconn owns RTMP connection lifecycles: the accept loops,
// per-IP concurrency limiting, the per-connection session driving the
// handshake, chunk and command layers, and the outbound write queue
// with backpressure.
package rtmpconn

import (
	"crypto/tls"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/netdata/go.d.plugin/pkg/iprange"

	"github.com/AgustinSRG/mia-rtmp-server/internal/config"
	"github.com/AgustinSRG/mia-rtmp-server/internal/router"
	"github.com/AgustinSRG/mia-rtmp-server/internal/rtlog"
	"github.com/AgustinSRG/mia-rtmp-server/internal/sslcert"
)

// Interval between server-initiated ping requests and the read deadline
// applied to every socket read.
const (
	pingInterval = 60000 * time.Millisecond
	pingTimeout  = 30000 * time.Millisecond
)

// Server accepts RTMP and RTMPS connections and routes their media
// through the registry.
type Server struct {
	cfg      *config.Config
	registry *router.Registry

	listener       net.Listener
	secureListener net.Listener

	mutex    sync.Mutex
	sessions map[uint64]*Session

	nextSessionID uint64

	ipMutex sync.Mutex
	ipCount map[string]uint32
	ipLimit uint32

	closed bool
}

// NewServer creates the server and opens its listeners.
func NewServer(cfg *config.Config, registry *router.Registry) (*Server, error) {
	server := &Server{
		cfg:           cfg,
		registry:      registry,
		sessions:      make(map[uint64]*Session),
		nextSessionID: 1,
		ipCount:       make(map[string]uint32),
		ipLimit:       4,
	}

	if cfg.MaxIPConcurrentConnections > 0 {
		server.ipLimit = uint32(cfg.MaxIPConcurrentConnections)
	}

	addr := cfg.BindAddress + ":" + strconv.Itoa(cfg.RTMPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	server.listener = listener
	rtlog.Info("[RTMP] Listening on " + addr)

	if cfg.SSLCert != "" && cfg.SSLKey != "" {
		loader, err := sslcert.NewLoader(cfg.SSLCert, cfg.SSLKey)
		if err != nil {
			listener.Close()
			return nil, err
		}

		tlsConfig := &tls.Config{GetCertificate: loader.GetCertificateFunc()}
		sslAddr := cfg.BindAddress + ":" + strconv.Itoa(cfg.SSLPort)
		secureListener, err := tls.Listen("tcp", sslAddr, tlsConfig)
		if err != nil {
			listener.Close()
			return nil, err
		}
		server.secureListener = secureListener
		rtlog.Info("[SSL] Listening on " + sslAddr)
	}

	return server, nil
}

// AddIP counts a new connection against its IP, rejecting it past the
// concurrency limit.
func (server *Server) AddIP(ip string) bool {
	server.ipMutex.Lock()
	defer server.ipMutex.Unlock()

	c := server.ipCount[ip]
	if c >= server.ipLimit {
		return false
	}
	server.ipCount[ip] = c + 1
	return true
}

// RemoveIP releases a connection's slot for its IP.
func (server *Server) RemoveIP(ip string) {
	server.ipMutex.Lock()
	defer server.ipMutex.Unlock()

	c := server.ipCount[ip]
	if c <= 1 {
		delete(server.ipCount, ip)
	} else {
		server.ipCount[ip] = c - 1
	}
}

// isIPExempted checks the configured address ranges exempt from the
// per-IP concurrency limit.
func (server *Server) isIPExempted(ipStr string) bool {
	r := server.cfg.ConcurrentLimitWhitelist
	if r == "" {
		return false
	}
	if r == "*" {
		return true
	}

	ip := net.ParseIP(ipStr)
	for _, part := range strings.Split(r, ",") {
		rang, err := iprange.ParseRange(part)
		if err != nil {
			rtlog.Error(err)
			continue
		}
		if rang.Contains(ip) {
			return true
		}
	}
	return false
}

// NextSessionID allocates the next connection's ID.
func (server *Server) NextSessionID() uint64 {
	server.mutex.Lock()
	defer server.mutex.Unlock()

	r := server.nextSessionID
	server.nextSessionID++
	return r
}

// AddSession registers a session in the connection index. Connections
// are indexed by ID, never by pointer.
func (server *Server) AddSession(s *Session) {
	server.mutex.Lock()
	defer server.mutex.Unlock()
	server.sessions[s.id] = s
}

// RemoveSession drops a session from the connection index.
func (server *Server) RemoveSession(id uint64) {
	server.mutex.Lock()
	defer server.mutex.Unlock()
	delete(server.sessions, id)
}

// AcceptConnections accepts sockets from one listener until it closes.
func (server *Server) AcceptConnections(listener net.Listener, wg *sync.WaitGroup) {
	defer func() {
		listener.Close()
		wg.Done()
	}()
	for {
		c, err := listener.Accept()
		if err != nil {
			if !server.closed {
				rtlog.Error(err)
			}
			return
		}
		id := server.NextSessionID()
		var ip string
		if addr, ok := c.RemoteAddr().(*net.TCPAddr); ok {
			ip = addr.IP.String()
		} else {
			ip = c.RemoteAddr().String()
		}

		if !server.isIPExempted(ip) {
			if !server.AddIP(ip) {
				c.Close()
				rtlog.Request("Connection rejected: Too many requests from " + ip)
				continue
			}
		}

		rtlog.DebugSession(id, ip, "Connection accepted!")
		go server.HandleConnection(id, ip, c)
	}
}

// SendPings periodically pings every connected session so half-open
// sockets are detected.
func (server *Server) SendPings(wg *sync.WaitGroup) {
	defer wg.Done()
	for !server.closed {
		time.Sleep(pingInterval)

		server.mutex.Lock()
		for _, s := range server.sessions {
			s.SendPingRequest()
		}
		server.mutex.Unlock()
	}
}

// Start runs the accept loops and the ping loop until shutdown.
func (server *Server) Start() {
	var wg sync.WaitGroup

	wg.Add(1)
	go server.AcceptConnections(server.listener, &wg)

	if server.secureListener != nil {
		wg.Add(1)
		go server.AcceptConnections(server.secureListener, &wg)
	}

	wg.Add(1)
	go server.SendPings(&wg)

	wg.Wait()
}

// Stop closes the listeners and every active session.
func (server *Server) Stop() {
	server.closed = true
	server.listener.Close()
	if server.secureListener != nil {
		server.secureListener.Close()
	}

	server.mutex.Lock()
	sessions := make([]*Session, 0, len(server.sessions))
	for _, s := range server.sessions {
		sessions = append(sessions, s)
	}
	server.mutex.Unlock()

	for _, s := range sessions {
		s.Kill()
	}
}

// HandleConnection owns one accepted socket for its lifetime.
func (server *Server) HandleConnection(id uint64, ip string, c net.Conn) {
	s := NewSession(server, id, ip, c)
	server.AddSession(s)

	defer func() {
		if err := recover(); err != nil {
			switch x := err.(type) {
			case string:
				rtlog.Request("Error: " + x)
			case error:
				rtlog.Request("Error: " + x.Error())
			default:
				rtlog.Request("Connection Crashed!")
			}
		}
		s.OnClose()
		c.Close()
		server.RemoveSession(id)
		server.RemoveIP(ip)
		rtlog.DebugSession(id, ip, "Connection closed!")
	}()

	s.HandleSession()
}
