// Copyright 2024-2026 Aiku AI

package whatsapp

import (
	"context"
	"fmt"

	"github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"

	"github.com/aiku/tagallbot/pkg/chat"
	"github.com/aiku/tagallbot/pkg/session"
)

const reasonPairingTimeout = "pairing timed out"

// startPairing requests a QR channel when the device is not linked and
// watches it in the background.
func (c *Client) startPairing(qrChannel func(context.Context) (<-chan whatsmeow.QRChannelItem, error)) error {
	c.stopPairing()
	if qrChannel == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.PairingTimeout)
	qrChan, err := qrChannel(ctx)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to start QR pairing: %w", err)
	}
	if qrChan == nil {
		cancel()
		return nil
	}
	c.mu.Lock()
	c.cancelPair = cancel
	c.mu.Unlock()
	go c.watchPairing(ctx, cancel, qrChan)
	return nil
}

func (c *Client) stopPairing() {
	c.mu.Lock()
	cancel := c.cancelPair
	c.cancelPair = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// watchPairing reports each QR code and fails the attempt when the pairing
// window closes without a successful scan.
func (c *Client) watchPairing(ctx context.Context, cancel context.CancelFunc, qrChan <-chan whatsmeow.QRChannelItem) {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				c.pairingFailed(reasonPairingTimeout)
			}
			return
		case item, ok := <-qrChan:
			if !ok {
				return
			}
			switch item.Event {
			case whatsmeow.QRChannelEventCode:
				c.showQR(item.Code)
				c.emit(chat.SignalEvent(session.Signal{
					Kind: session.SignalPairingRequested,
					Code: item.Code,
				}))
			case whatsmeow.QRChannelSuccess.Event:
				c.log.Info().Msg("QR pairing succeeded")
				return
			case whatsmeow.QRChannelTimeout.Event:
				c.pairingFailed(reasonPairingTimeout)
				return
			case whatsmeow.QRChannelEventError:
				c.pairingFailed(fmt.Sprintf("pairing failed: %v", item.Error))
				return
			default:
				c.pairingFailed("pairing failed: " + item.Event)
				return
			}
		}
	}
}

func (c *Client) pairingFailed(reason string) {
	c.log.Warn().Str("reason", reason).Msg("QR pairing failed")
	c.mu.Lock()
	wa := c.wa
	c.mu.Unlock()
	if wa != nil {
		wa.Disconnect()
	}
	c.emit(chat.SignalEvent(session.Signal{Kind: session.SignalAuthFailed, Reason: reason}))
}

// showQR prints the pairing code as a terminal QR code.
func (c *Client) showQR(code string) {
	c.log.Info().Msg("QR Generated")
	qr, err := qrcode.New(code, qrcode.Low)
	if err != nil {
		c.log.Warn().Err(err).Msg("Failed to render QR code")
		return
	}
	_, _ = fmt.Fprintln(c.opts.QROutput, qr.ToSmallString(false))
}
