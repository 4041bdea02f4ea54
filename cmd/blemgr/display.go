package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/srg/blemgr/internal/simstack"
	"github.com/srg/blemgr/pkg/bondstore"
	"github.com/srg/blemgr/pkg/manager"
	"github.com/srg/blemgr/pkg/stack"
	"golang.org/x/term"
)

// painter colors cells only when w is a terminal.
type painter struct {
	enabled bool
}

func newPainter(w io.Writer) painter {
	f, ok := w.(*os.File)
	return painter{enabled: ok && term.IsTerminal(int(f.Fd()))}
}

func (p painter) paint(s string, attrs ...color.Attribute) string {
	if !p.enabled {
		return s
	}
	c := color.New(attrs...)
	c.EnableColor()
	return c.Sprint(s)
}

func (p painter) state(s manager.State) string {
	switch s {
	case manager.StatePaired, manager.StateEncryptionCompleted:
		return p.paint(s.String(), color.FgGreen)
	case manager.StatePairingFailed, manager.StateEncryptionFailed:
		return p.paint(s.String(), color.FgRed, color.Bold)
	case manager.StateConnected, manager.StatePairing, manager.StateEncrypting:
		return p.paint(s.String(), color.FgYellow)
	default:
		return p.paint(s.String(), color.Faint)
	}
}

func handleCell(h stack.Handle) string {
	if h == stack.InvalidHandle {
		return "-"
	}
	return fmt.Sprintf("%d", h)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func displayCommands(out io.Writer, cmds []simstack.Command) error {
	if len(cmds) == 0 {
		fmt.Fprintln(out, "No stack commands issued")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "#\tCOMMAND\tHANDLE\tDETAIL")
	fmt.Fprintln(w, strings.Repeat("-", 72))
	for i, c := range cmds {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", i+1, c.Name, handleCell(c.Handle), commandDetail(c))
	}
	return w.Flush()
}

func commandDetail(c simstack.Command) string {
	switch c.Name {
	case simstack.CmdConnect:
		peers := make([]string, 0, len(c.Peers))
		for _, p := range c.Peers {
			peers = append(peers, p.String())
		}
		return strings.Join(peers, ",")
	case simstack.CmdDisconnect:
		return c.Reason.String()
	case simstack.CmdSlaveSecurityRequest:
		return fmt.Sprintf("mitm=%s bond=%s", yesNo(c.MITM), yesNo(c.Bond))
	case simstack.CmdAuthenticate:
		f := c.Features
		return fmt.Sprintf("auth=%s io=%s keys=%d..%d", f.DesiredAuth, f.IOCapability, f.MinKeySize, f.MaxKeySize)
	case simstack.CmdEncryptionStart:
		return fmt.Sprintf("auth=%s ediv=0x%04x", c.Auth, c.LTK.EDiv)
	case simstack.CmdEncryptionRequestReply:
		if !c.KeyFound {
			return "key not found"
		}
		return fmt.Sprintf("auth=%s key_size=%d", c.Auth, c.LTK.KeySize)
	case simstack.CmdPairKeyReply:
		return fmt.Sprintf("passkey=%s", c.Key)
	case simstack.CmdResolveRandomAddress:
		if len(c.Peers) > 0 {
			return fmt.Sprintf("%s irks=%d", c.Peers[0], len(c.IRKs))
		}
		return fmt.Sprintf("irks=%d", len(c.IRKs))
	case simstack.CmdConnParamUpdateReply:
		return fmt.Sprintf("accept=%s", yesNo(c.Accept))
	}
	return ""
}

func displayConnections(out io.Writer, views []manager.RecordView) error {
	if len(views) == 0 {
		fmt.Fprintln(out, "Connection table is empty")
		return nil
	}

	p := newPainter(out)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "REF\tHANDLE\tPEER\tROLE\tSTATE\tAUTH\tBONDED")
	fmt.Fprintln(w, strings.Repeat("-", 80))
	for _, v := range views {
		auth := "-"
		if v.Bond.Valid() {
			auth = v.Bond.Auth.String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			v.Ref, handleCell(v.Handle), v.PeerAddr, v.Role, p.state(v.State), auth, yesNo(v.Bond.Valid()))
	}
	return w.Flush()
}

func displayDevices(out io.Writer, devices []*stack.Advertisement) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tRSSI\tSERVICES\tCONNECTABLE")
	fmt.Fprintln(w, strings.Repeat("-", 80))
	for _, a := range devices {
		name := a.LocalName()
		if name == "" {
			name = "-"
		} else if len(name) > 20 {
			name = name[:17] + "..."
		}

		services := strings.Join(serviceUUIDs(a), ",")
		if services == "" {
			services = "-"
		} else if len(services) > 30 {
			services = services[:27] + "..."
		}

		fmt.Fprintf(w, "%s\t%s\t%d dBm\t%s\t%s\n", name, a.Addr(), a.RSSI(), services, yesNo(a.Connectable()))
	}
	return w.Flush()
}

func serviceUUIDs(a *stack.Advertisement) []string {
	uuids := make([]string, 0, len(a.Services()))
	for _, u := range a.Services() {
		uuids = append(uuids, u.String())
	}
	return uuids
}

type bondEntry struct {
	id  bondstore.ItemID
	rec bondstore.Record
}

func displayBonds(out io.Writer, entries []bondEntry, usage bondstore.Usage) error {
	if len(entries) == 0 {
		fmt.Fprintln(out, "No bonds stored")
	} else {
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tPEER\tTYPE\tAUTH\tIRK\tKEY SIZE")
		fmt.Fprintln(w, strings.Repeat("-", 72))
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n",
				e.id, e.rec.PeerAddr, e.rec.PeerAddr.Type, e.rec.Auth, yesNo(!e.rec.PeerIRK.IsZero()), e.rec.LocalLTK.KeySize)
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}
	fmt.Fprintln(out, usageLine(usage))
	return nil
}

func usageLine(u bondstore.Usage) string {
	return fmt.Sprintf("Slots: %d live, %d garbage, %d free of %d", u.Live, u.Garbage, u.Free(), u.Capacity)
}
