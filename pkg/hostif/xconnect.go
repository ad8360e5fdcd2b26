package hostif

import (
	"fmt"
	"log/slog"

	"github.com/psaab/vrhost/pkg/iface"
)

// XConnect cross-connects the named interface and its bridge, the failsafe
// used while the agent is down. Forwarding reads the flag to pass frames
// straight between the pair; the transmit pipeline still finishes every
// frame and counts it in XConnectPackets.
func (h *HostInterface) XConnect(name string) error {
	return h.setXConnect(name, true)
}

// RemoveXConnect restores normal processing for the interface and its
// bridge.
func (h *HostInterface) RemoveXConnect(name string) error {
	return h.setXConnect(name, false)
}

func (h *HostInterface) setXConnect(name string, on bool) error {
	err := h.reg.Update(func(tx *iface.Tx) error {
		i, ok := tx.Lookup(name)
		if !ok {
			return fmt.Errorf("xconnect %s: %w", name, iface.ErrNotFound)
		}
		targets := []*iface.Interface{i}
		if i.Bridge != nil {
			if b, ok := tx.Lookup(i.Bridge.Name); ok {
				targets = append(targets, b)
			}
		}
		for _, t := range targets {
			c := t.Clone()
			c.XConnect = on
			if _, err := tx.Add(c); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	slog.Info("xconnect changed", "interface", name, "enabled", on)
	return nil
}
