// Package gateway implements the field ingest paths: a UDP datagram
// listener for radio bridges and a serial reader for wired dataloggers.
// Both feed the same ingest pipeline as the REST API.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/soilsense/trustd/internal/ingest"
	"github.com/soilsense/trustd/internal/log"
	"github.com/soilsense/trustd/pkg/config"
	"go.uber.org/zap"
)

// Datagram is the wire format field bridges send: one JSON object per
// UDP packet or serial line.
type Datagram struct {
	ExternalID string                `json:"externalId"`
	Payload    ingest.ReadingPayload `json:"payload"`
}

// UDPGateway listens for reading datagrams from field radio bridges.
type UDPGateway struct {
	ctx      context.Context
	wg       *sync.WaitGroup
	cfg      config.UDPGatewayData
	ingestor *ingest.Ingestor
	logger   *zap.SugaredLogger
	conn     *net.UDPConn
}

// NewUDPGateway creates a UDP ingest gateway.
func NewUDPGateway(ctx context.Context, wg *sync.WaitGroup, cfg config.UDPGatewayData, ing *ingest.Ingestor, logger *zap.SugaredLogger) *UDPGateway {
	return &UDPGateway{
		ctx:      ctx,
		wg:       wg,
		cfg:      cfg,
		ingestor: ing,
		logger:   logger,
	}
}

// StartGateway binds the listener and launches the receive loop.
func (g *UDPGateway) StartGateway() error {
	addr := &net.UDPAddr{
		IP:   net.IPv4zero,
		Port: g.cfg.Port,
	}

	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return fmt.Errorf("failed to start UDP listener: %w", err)
	}
	g.conn = conn

	log.Infof("UDP ingest gateway listening on port %d", g.cfg.Port)

	g.wg.Add(1)
	go g.receivePackets()

	go func() {
		<-g.ctx.Done()
		g.conn.Close()
	}()

	return nil
}

// receivePackets continuously receives and processes reading datagrams
func (g *UDPGateway) receivePackets() {
	defer g.wg.Done()
	defer log.Info("UDP ingest gateway stopped")

	buf := make([]byte, 2048)
	for {
		select {
		case <-g.ctx.Done():
			return
		default:
		}

		g.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		n, remote, err := g.conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if g.ctx.Err() != nil {
				return
			}
			g.logger.Errorw("UDP read error", "error", err)
			continue
		}

		g.handleDatagram(buf[:n], remote)
	}
}

func (g *UDPGateway) handleDatagram(data []byte, remote *net.UDPAddr) {
	var d Datagram
	if err := json.Unmarshal(data, &d); err != nil {
		g.logger.Warnw("discarding malformed datagram",
			"remote", remote, "error", err)
		return
	}
	if d.ExternalID == "" {
		g.logger.Warnw("discarding datagram without externalId", "remote", remote)
		return
	}

	if _, err := g.ingestor.Ingest(g.ctx, d.ExternalID, d.Payload); err != nil {
		// Field bridges cannot act on errors; log and move on.
		g.logger.Warnw("datagram rejected",
			"sensor", d.ExternalID, "remote", remote, "error", err)
	}
}
