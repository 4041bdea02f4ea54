package main

import (
	"encoding/hex"
	"encoding/json"
	"io"

	"github.com/srg/blemgr/internal/scenario"
	"github.com/srg/blemgr/pkg/manager"
	"github.com/srg/blemgr/pkg/stack"
)

// simulationReport is the JSON form of a replay.
type simulationReport struct {
	Scenario    string             `json:"scenario"`
	Steps       int                `json:"steps"`
	Dropped     uint32             `json:"dropped_events"`
	Commands    []commandReport    `json:"commands"`
	Connections []connectionReport `json:"connections"`
	Devices     []deviceReport     `json:"devices"`
	Failures    []string           `json:"failures"`
}

type deviceReport struct {
	Address          string   `json:"address"`
	AddressType      string   `json:"address_type"`
	Name             string   `json:"name,omitempty"`
	RSSI             int      `json:"rssi"`
	Connectable      bool     `json:"connectable"`
	Services         []string `json:"services,omitempty"`
	ManufacturerData string   `json:"manufacturer_data,omitempty"`
}

type commandReport struct {
	Name   string        `json:"name"`
	Handle *stack.Handle `json:"handle,omitempty"`
	Detail string        `json:"detail,omitempty"`
}

type connectionReport struct {
	Ref      string        `json:"ref"`
	Handle   *stack.Handle `json:"handle,omitempty"`
	Peer     string        `json:"peer"`
	PeerType string        `json:"peer_type"`
	Role     string        `json:"role"`
	State    string        `json:"state"`
	Auth     string        `json:"auth,omitempty"`
	Bonded   bool          `json:"bonded"`
}

func optionalHandle(h stack.Handle) *stack.Handle {
	if h == stack.InvalidHandle {
		return nil
	}
	return &h
}

func newSimulationReport(sc *scenario.Scenario, res *scenario.Result, views []manager.RecordView, dropped uint32) simulationReport {
	rep := simulationReport{
		Scenario:    sc.Name,
		Steps:       res.Steps,
		Dropped:     dropped,
		Commands:    make([]commandReport, 0, len(res.Commands)),
		Connections: make([]connectionReport, 0, len(views)),
		Devices:     make([]deviceReport, 0, len(res.Devices)),
		Failures:    make([]string, 0, len(res.Failures)),
	}
	for _, c := range res.Commands {
		rep.Commands = append(rep.Commands, commandReport{
			Name:   c.Name,
			Handle: optionalHandle(c.Handle),
			Detail: commandDetail(c),
		})
	}
	for _, v := range views {
		cr := connectionReport{
			Ref:      v.Ref.String(),
			Handle:   optionalHandle(v.Handle),
			Peer:     v.PeerAddr.String(),
			PeerType: v.PeerAddr.Type.String(),
			Role:     v.Role.String(),
			State:    v.State.String(),
			Bonded:   v.Bond.Valid(),
		}
		if cr.Bonded {
			cr.Auth = v.Bond.Auth.String()
		}
		rep.Connections = append(rep.Connections, cr)
	}
	for _, a := range res.Devices {
		rep.Devices = append(rep.Devices, deviceReport{
			Address:          a.Address().String(),
			AddressType:      a.Address().Type.String(),
			Name:             a.LocalName(),
			RSSI:             a.RSSI(),
			Connectable:      a.Connectable(),
			Services:         serviceUUIDs(a),
			ManufacturerData: hex.EncodeToString(a.ManufacturerData()),
		})
	}
	for _, f := range res.Failures {
		rep.Failures = append(rep.Failures, f.Error())
	}
	return rep
}

func displayReportJSON(out io.Writer, rep simulationReport) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(rep)
}
