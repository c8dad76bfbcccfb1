//go:build linux

package nfq

import (
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/endorses/lagswitch/internal/pkg/constants"
	"github.com/endorses/lagswitch/internal/pkg/logger"
	"github.com/florianl/go-nfqueue"
	"github.com/google/gopacket"
)

func openHandle(cfg *Config) (*Handle, error) {
	nf, err := nfqueue.Open(&nfqueue.Config{
		NfQueue:      cfg.QueueNum,
		MaxPacketLen: cfg.MaxPacketLen,
		MaxQueueLen:  cfg.MaxQueueLen,
		Copymode:     nfqueue.NfQnlCopyPacket,
		WriteTimeout: 15 * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("open nfqueue %d: %w", cfg.QueueNum, err)
	}

	h := newHandle(nf, nfqueue.NfAccept, constants.NFQueueChannelBuffer)
	log := logger.With("component", "nfqueue", "queue", cfg.QueueNum)

	err = nf.RegisterWithErrorFunc(h.ctx, func(a nfqueue.Attribute) int {
		if a.PacketID == nil {
			return 0
		}
		id := *a.PacketID
		if a.Payload == nil || len(*a.Payload) == 0 {
			_ = nf.SetVerdict(id, nfqueue.NfAccept)
			return 0
		}

		// the payload aliases the netlink receive buffer
		data := append([]byte(nil), *a.Payload...)
		ci := gopacket.CaptureInfo{
			Timestamp:     time.Now(),
			CaptureLength: len(data),
			Length:        len(data),
		}
		if a.Timestamp != nil {
			ci.Timestamp = *a.Timestamp
		}

		if !h.enqueue(packet{id: id, data: data, ci: ci}) {
			_ = nf.SetVerdict(id, nfqueue.NfAccept)
		}
		return 0
	}, func(e error) int {
		if h.ctx.Err() != nil {
			return 0
		}
		if errors.Is(e, os.ErrClosed) || errors.Is(e, net.ErrClosed) {
			return 0
		}
		if ne, ok := e.(net.Error); ok && ne.Timeout() {
			return 0
		}
		if errors.Is(e, syscall.ENOBUFS) {
			log.Warn("Netlink socket overrun, kernel dropped queue notifications", "error", e)
			return 0
		}
		log.Error("Netlink receive failed", "error", e)
		h.fail(e)
		return 1
	})
	if err != nil {
		nf.Close()
		return nil, fmt.Errorf("register nfqueue hook: %w", err)
	}

	log.Debug("Bound nfqueue", "max_queue_len", cfg.MaxQueueLen, "max_packet_len", cfg.MaxPacketLen)
	return h, nil
}
