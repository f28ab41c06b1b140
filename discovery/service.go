package discovery

import (
	"context"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/mjnet/crypto"
	"github.com/opd-ai/mjnet/transport"
)

const (
	// DefaultAnnounceInterval is how often presence is broadcast.
	DefaultAnnounceInterval = 30 * time.Second
	// backoffBase is the first retry delay after a broadcast failure.
	backoffBase = time.Second
	// backoffCap bounds the exponential retry delay.
	backoffCap = 60 * time.Second
)

// Sighting is one observation of a peer on the local network. The public
// key is whatever the peer advertised; it is not authenticated here.
type Sighting struct {
	PeerID    string
	UserID    string
	PublicKey [32]byte
	Addr      net.Addr
}

// SightingFunc receives deduplicated-by-caller sightings.
type SightingFunc func(sighting Sighting)

// Config holds the discovery service parameters.
type Config struct {
	LocalID          string
	LocalUserID      string
	PublicKey        [32]byte
	Port             int
	AnnounceInterval time.Duration
}

// Service broadcasts presence and surfaces sightings of other instances.
type Service struct {
	cfg      Config
	tr       transport.Transport
	sighting SightingFunc
}

// NewService creates a discovery service and registers its announce
// handler on the transport.
func NewService(cfg Config, tr transport.Transport, sighting SightingFunc) *Service {
	if cfg.AnnounceInterval <= 0 {
		cfg.AnnounceInterval = DefaultAnnounceInterval
	}

	s := &Service{
		cfg:      cfg,
		tr:       tr,
		sighting: sighting,
	}
	tr.RegisterHandler(transport.PacketAnnounce, s.handleAnnounce)
	return s
}

// Run broadcasts presence until the context is cancelled. A failed
// broadcast backs off exponentially (1s base, 60s cap) and keeps retrying;
// no error is ever returned to the caller.
func (s *Service) Run(ctx context.Context) {
	delay := s.cfg.AnnounceInterval
	backoff := backoffBase

	for {
		if err := s.announce(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Run",
				"error":    err,
				"retry_in": backoff.String(),
			}).Warn("Presence broadcast failed, backing off")

			delay = backoff
			backoff *= 2
			if backoff > backoffCap {
				backoff = backoffCap
			}
		} else {
			delay = s.cfg.AnnounceInterval
			backoff = backoffBase
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// announce broadcasts one presence packet.
func (s *Service) announce() error {
	body := &transport.Announce{
		PeerID:    s.cfg.LocalID,
		UserID:    s.cfg.LocalUserID,
		PublicKey: s.cfg.PublicKey[:],
		Port:      s.cfg.Port,
	}
	data, err := body.Marshal()
	if err != nil {
		return err
	}

	return s.tr.Broadcast(&transport.Packet{
		PacketType: transport.PacketAnnounce,
		Data:       data,
	})
}

// handleAnnounce turns an inbound announcement into a sighting. Malformed
// announcements and our own broadcasts are dropped.
func (s *Service) handleAnnounce(packet *transport.Packet, addr net.Addr) {
	announce, err := transport.ParseAnnounce(packet.Data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleAnnounce",
			"addr":     addr.String(),
			"error":    err,
		}).Debug("Dropping malformed announce")
		return
	}

	if announce.PeerID == s.cfg.LocalID {
		return
	}
	if len(announce.PublicKey) != 32 {
		logrus.WithFields(logrus.Fields{
			"function": "handleAnnounce",
			"peer_id":  crypto.ShortID(announce.PeerID),
		}).Debug("Dropping announce with bad public key length")
		return
	}

	var publicKey [32]byte
	copy(publicKey[:], announce.PublicKey)

	s.sighting(Sighting{
		PeerID:    announce.PeerID,
		UserID:    announce.UserID,
		PublicKey: publicKey,
		Addr:      sightingAddr(addr, announce.Port),
	})
}

// sightingAddr resolves where the announcing peer can actually be reached:
// the sender's IP with its announced unicast port. Non-UDP transports use
// the source address as-is.
func sightingAddr(src net.Addr, port int) net.Addr {
	if udpAddr, ok := src.(*net.UDPAddr); ok && port > 0 {
		return &net.UDPAddr{IP: udpAddr.IP, Port: port}
	}
	return src
}
