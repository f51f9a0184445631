package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peercore/pipeline"
)

// ChannelServer owns the listening TCP and UDP sockets of a node. Every
// accepted connection and every inbound datagram runs through a fresh
// chain ending in the dispatcher.
type ChannelServer struct {
	cfg        *ServerConfig
	dispatcher any

	tcpDrop *DropConnection
	udpDrop *DropConnection

	mu        sync.Mutex
	listeners []net.Listener
	sockets   []*Channel
	accepted  map[string]*Channel
	tcpAddr   *net.TCPAddr
	udpAddr   *net.UDPAddr
	started   bool
	done      chan struct{}

	acceptWG sync.WaitGroup
}

// NewChannelServer creates the listener. dispatcher is installed as the
// "dispatcher" stage of every inbound chain.
func NewChannelServer(cfg *ServerConfig, dispatcher any) (*ChannelServer, error) {
	if cfg == nil {
		cfg = NewServerConfig()
	}
	if cfg.Bindings == nil {
		cfg.Bindings = NewBindings()
	}
	if cfg.Filter == nil {
		cfg.Filter = pipeline.NopFilter
	}

	status, err := cfg.Bindings.Discover()
	if err != nil {
		return nil, fmt.Errorf("discover bind addresses: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"function": "NewChannelServer",
		"status":   status,
	}).Info("Bind addresses resolved")

	return &ChannelServer{
		cfg:        cfg,
		dispatcher: dispatcher,
		tcpDrop:    NewDropConnection(cfg.MaxTCPIncoming),
		udpDrop:    NewDropConnection(cfg.MaxUDPIncoming),
		accepted:   make(map[string]*Channel),
	}, nil
}

// Startup binds TCP and UDP on every configured address. It reports false
// if any bind failed; sockets bound so far stay open until Shutdown.
func (s *ChannelServer) Startup() bool {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return true
	}
	s.started = true
	s.mu.Unlock()

	if s.cfg.DisableBind {
		logrus.WithFields(logrus.Fields{
			"function": "Startup",
		}).Info("Binding disabled, not listening")
		return true
	}

	hosts := []string{""}
	if !s.cfg.Bindings.ListenAll() {
		hosts = hosts[:0]
		for _, ip := range s.cfg.Bindings.Found() {
			hosts = append(hosts, ip.String())
		}
	}

	for _, host := range hosts {
		tcpAddr := net.JoinHostPort(host, strconv.Itoa(s.cfg.Ports.TCP))
		if err := s.startupTCP(tcpAddr); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Startup",
				"address":  tcpAddr,
				"error":    err.Error(),
			}).Warn("Failed to bind TCP")
			return false
		}
		udpAddr := net.JoinHostPort(host, strconv.Itoa(s.cfg.Ports.UDP))
		if err := s.startupUDP(udpAddr); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Startup",
				"address":  udpAddr,
				"error":    err.Error(),
			}).Warn("Failed to bind UDP")
			return false
		}
	}
	return true
}

func (s *ChannelServer) startupTCP(addr string) error {
	lc := net.ListenConfig{Control: socketControl(false)}
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.listeners = append(s.listeners, ln)
	if s.tcpAddr == nil {
		s.tcpAddr, _ = ln.Addr().(*net.TCPAddr)
	}
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "startupTCP",
		"address":  ln.Addr().String(),
	}).Info("Listening on TCP")

	s.acceptWG.Add(1)
	go s.acceptConnections(ln)
	return nil
}

func (s *ChannelServer) startupUDP(addr string) error {
	lc := net.ListenConfig{Control: socketControl(true)}
	pc, err := lc.ListenPacket(context.Background(), "udp", addr)
	if err != nil {
		return err
	}

	ch := newUDPChannel(pc, pipeline.NewFrom(s.handlers(false)), false)
	ch.concurrent = true

	s.mu.Lock()
	s.sockets = append(s.sockets, ch)
	if s.udpAddr == nil {
		s.udpAddr, _ = pc.LocalAddr().(*net.UDPAddr)
	}
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "startupUDP",
		"address":  pc.LocalAddr().String(),
	}).Info("Listening on UDP")

	return ch.activate()
}

func (s *ChannelServer) acceptConnections(ln net.Listener) {
	defer s.acceptWG.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logrus.WithFields(logrus.Fields{
				"function": "acceptConnections",
				"error":    err.Error(),
			}).Debug("Accept failed")
			continue
		}
		go s.serveConnection(conn)
	}
}

func (s *ChannelServer) serveConnection(conn net.Conn) {
	setTCPOptions(conn)
	p := pipeline.NewFrom(s.handlers(true))

	limiter, limited := p.Get(pipeline.DropConnection).(Limiter)
	if limited && !limiter.TryAcquire() {
		logrus.WithFields(logrus.Fields{
			"function": "serveConnection",
			"remote":   conn.RemoteAddr().String(),
		}).Debug("Too many inbound connections, dropping")
		conn.Close()
		return
	}

	ch := newTCPChannel(conn, p, false)
	if limited {
		ch.OnClose(limiter.Release)
	}

	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		ch.Close()
		return
	}
	s.accepted[ch.ID()] = ch
	s.mu.Unlock()
	ch.OnClose(func() {
		s.mu.Lock()
		delete(s.accepted, ch.ID())
		s.mu.Unlock()
	})

	if err := ch.activate(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "serveConnection",
			"remote":   conn.RemoteAddr().String(),
			"error":    err.Error(),
		}).Debug("Inbound connection not activated")
	}
}

// handlers builds a fresh inbound chain.
func (s *ChannelServer) handlers(tcp bool) *pipeline.Handlers {
	h := pipeline.NewHandlers()
	if tcp {
		timeouts := NewTimeoutFactory(nil, s.cfg.IdleTCPSeconds, "server")
		h.Put(pipeline.DropConnection, s.tcpDrop).
			Put(pipeline.Timeout0, timeouts.IdleStateHandler()).
			Put(pipeline.Timeout1, timeouts.TimeHandler())
		if s.cfg.Noise != nil {
			h.Put(pipeline.Handshake, NewNoiseHandshaker(*s.cfg.Noise, s.cfg.HandshakeTimeout))
		}
		h.Put(pipeline.Decoder, NewTCPDecoder()).
			Put(pipeline.Encoder, NewTCPEncoder(s.cfg.Signer))
	} else {
		h.Put(pipeline.DropConnection, s.udpDrop).
			Put(pipeline.Decoder, NewUDPDecoder()).
			Put(pipeline.Encoder, NewUDPEncoder(s.cfg.Signer))
	}
	h.Put(pipeline.Dispatcher, s.dispatcher)
	return s.cfg.Filter(h, tcp, false)
}

// TCPAddr returns the first bound TCP address, nil before Startup.
func (s *ChannelServer) TCPAddr() *net.TCPAddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tcpAddr
}

// UDPAddr returns the first bound UDP address, nil before Startup.
func (s *ChannelServer) UDPAddr() *net.UDPAddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.udpAddr
}

// Shutdown closes every socket the listener opened, including accepted
// connections. The returned channel is closed once all of them are.
func (s *ChannelServer) Shutdown() <-chan struct{} {
	s.mu.Lock()
	if s.done != nil {
		done := s.done
		s.mu.Unlock()
		return done
	}
	s.done = make(chan struct{})
	done := s.done
	listeners := s.listeners
	sockets := s.sockets
	accepted := make([]*Channel, 0, len(s.accepted))
	for _, ch := range s.accepted {
		accepted = append(accepted, ch)
	}
	s.mu.Unlock()

	go func() {
		for _, ln := range listeners {
			if err := ln.Close(); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Shutdown",
					"address":  ln.Addr().String(),
					"error":    err.Error(),
				}).Debug("Failed to close listener")
			}
		}
		for _, ch := range sockets {
			ch.Close()
		}
		for _, ch := range accepted {
			ch.Close()
		}
		s.acceptWG.Wait()
		logrus.WithFields(logrus.Fields{
			"function": "Shutdown",
		}).Info("Listener shut down")
		close(done)
	}()
	return done
}
