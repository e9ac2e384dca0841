package dns

import (
	"context"
	"fmt"
	"net"

	mdns "github.com/miekg/dns"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Handler answers a single query from client.
type Handler interface {
	Resolve(ctx context.Context, req *mdns.Msg, client net.IP) *mdns.Msg
}

// Server serves Handler over UDP and TCP on one address.
type Server struct {
	logger  zerolog.Logger
	addr    string
	handler Handler
	udp     *mdns.Server
	tcp     *mdns.Server
}

func NewServer(addr string, handler Handler, logger zerolog.Logger) *Server {
	s := &Server{
		logger:  logger.With().Str("component", "dns").Logger(),
		addr:    addr,
		handler: handler,
	}
	s.udp = &mdns.Server{Net: "udp", Handler: s.handlerFor("udp")}
	s.tcp = &mdns.Server{Net: "tcp", Handler: s.handlerFor("tcp")}
	return s
}

// Listen binds both sockets.
func (s *Server) Listen() error {
	pc, err := net.ListenPacket("udp", s.addr)
	if err != nil {
		return fmt.Errorf("binding dns udp listener on %s: %w", s.addr, err)
	}
	// TCP takes the port UDP was given, so ":0" yields one shared address.
	tcpAddr := pc.LocalAddr().String()
	l, err := net.Listen("tcp", tcpAddr)
	if err != nil {
		_ = pc.Close()
		return fmt.Errorf("binding dns tcp listener on %s: %w", tcpAddr, err)
	}
	s.udp.PacketConn = pc
	s.tcp.Listener = l
	return nil
}

// Addr is the bound UDP address, nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.udp.PacketConn == nil {
		return nil
	}
	return s.udp.PacketConn.LocalAddr()
}

// Serve answers queries on the bound sockets until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range []*mdns.Server{s.udp, s.tcp} {
		g.Go(func() error {
			s.logger.Info().Str("protocol", srv.Net).Str("address", s.Addr().String()).Msg("Starting DNS listener")
			if err := srv.ActivateAndServe(); err != nil && gctx.Err() == nil {
				return fmt.Errorf("dns %s listener: %w", srv.Net, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		_ = s.udp.ShutdownContext(context.Background())
		_ = s.tcp.ShutdownContext(context.Background())
		// Shutdown is a no-op for a server that has not activated yet.
		_ = s.udp.PacketConn.Close()
		_ = s.tcp.Listener.Close()
		return nil
	})
	return g.Wait()
}

func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

func (s *Server) handlerFor(protocol string) mdns.HandlerFunc {
	return func(w mdns.ResponseWriter, req *mdns.Msg) {
		resp := s.handler.Resolve(context.Background(), req, sourceIP(w.RemoteAddr()))
		if resp == nil {
			resp = EmptyReply(req)
		}

		// Check the response actually fits if the query was sent over UDP. If not, respond with TC flag.
		if protocol == "udp" {
			maxSize := mdns.MinMsgSize
			if edns0 := req.IsEdns0(); edns0 != nil {
				maxSize = int(edns0.UDPSize())
			}
			resp.Truncate(maxSize)
		}

		if err := w.WriteMsg(resp); err != nil {
			s.logger.Debug().Err(err).Msg("Writing DNS response")
		}
	}
}

func sourceIP(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.IP
	case *net.TCPAddr:
		return a.IP
	}
	return nil
}
