package link

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ServerOptions configures the inbound connection listener.
type ServerOptions struct {
	ListenAddress string
	DeviceID      string
	DisplayName   string
	HelloTimeout  time.Duration

	// Handler owns each accepted connection after the hello exchange.
	Handler func(*Conn)
}

// Server accepts inbound peer connections and hands them to a handler.
type Server struct {
	options  ServerOptions
	listener net.Listener

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewServer validates options and binds the listen address.
func NewServer(options ServerOptions) (*Server, error) {
	if options.DeviceID == "" {
		return nil, errors.New("device id is required")
	}
	if options.Handler == nil {
		return nil, errors.New("handler is required")
	}
	if options.ListenAddress == "" {
		options.ListenAddress = "0.0.0.0:0"
	}

	listener, err := net.Listen("tcp", options.ListenAddress)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", options.ListenAddress, err)
	}

	return &Server{
		options:  options,
		listener: listener,
	}, nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Start launches the accept loop.
func (s *Server) Start() {
	s.wg.Add(1)
	go s.acceptLoop()
}

// Stop closes the listener and waits for the accept loop.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		_ = s.listener.Close()
		s.wg.Wait()
	})
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		raw, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logrus.WithError(err).Warn("accept failed")
			continue
		}

		s.wg.Add(1)
		go func(raw net.Conn) {
			defer s.wg.Done()

			peer, err := serverHello(raw, s.options.DeviceID, s.options.DisplayName, s.options.HelloTimeout)
			if err != nil {
				logrus.WithError(err).WithField("remote_addr", raw.RemoteAddr()).Warn("hello exchange failed")
				_ = raw.Close()
				return
			}

			logrus.WithFields(logrus.Fields{
				"peer_id":     peer.DeviceID,
				"remote_addr": raw.RemoteAddr(),
			}).Debug("inbound link established")

			s.options.Handler(newConn(raw, peer))
		}(raw)
	}
}
