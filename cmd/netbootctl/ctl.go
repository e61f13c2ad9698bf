package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/psaab/netboot/pkg/api"
	"github.com/psaab/netboot/pkg/cmdtree"
	"github.com/psaab/netboot/pkg/dhcp"
	"github.com/psaab/netboot/pkg/logging"
)

var errExit = errors.New("exit")

type ctl struct {
	base   string
	token  string
	http   *http.Client
	stream *http.Client // no timeout, for SSE
	out    io.Writer
}

func (c *ctl) request(method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequest(method, c.base+path, body)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *ctl) call(method, path string, body any, data any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := c.request(method, path, rd)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	r := api.Response{Data: data}
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return fmt.Errorf("%s: %s", path, resp.Status)
	}
	if !r.Success {
		return fmt.Errorf("%s", r.Error)
	}
	return nil
}

func (c *ctl) get(path string, data any) error {
	return c.call("GET", path, nil, data)
}

func (c *ctl) dispatch(line string) error {
	if strings.HasSuffix(line, "?") {
		c.showContextHelp(strings.TrimSuffix(line, "?"))
		return nil
	}

	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil
	}

	switch parts[0] {
	case "show":
		return c.handleShow(parts[1:])

	case "renew":
		if len(parts) != 2 {
			return fmt.Errorf("usage: renew <interface>")
		}
		if err := c.call("POST", "/api/v1/dhcp/renew", api.RenewRequest{Interface: parts[1]}, nil); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "DHCP restarted on %s\n", parts[1])
		return nil

	case "monitor":
		if len(parts) < 2 || parts[1] != "logs" {
			return fmt.Errorf("usage: monitor logs [match]")
		}
		return c.monitorLogs(parts[2:])

	case "quit", "exit":
		return errExit

	case "?", "help":
		c.showHelp()
		return nil

	default:
		return fmt.Errorf("unknown command: %s", parts[0])
	}
}

func (c *ctl) handleShow(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("show: missing argument")
	}
	switch args[0] {
	case "status":
		return c.showStatus()
	case "interfaces":
		return c.showInterfaces()
	case "routes":
		return c.showRoutes()
	case "settings":
		scope := ""
		if len(args) > 1 {
			scope = args[1]
		}
		return c.showSettings(scope)
	case "blocks":
		return c.showBlocks()
	case "neighbours":
		return c.showNeighbours()
	case "statistics":
		return c.showStatistics()
	case "dhcp":
		if len(args) < 2 {
			return fmt.Errorf("show dhcp: leases or sessions")
		}
		switch args[1] {
		case "leases":
			return c.showDHCPLeases()
		case "sessions":
			return c.showDHCPSessions()
		}
		return fmt.Errorf("show dhcp: unknown argument %q", args[1])
	case "logs":
		n := 20
		if len(args) > 1 {
			v, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("show logs: invalid count %q", args[1])
			}
			n = v
		}
		return c.showLogs(n)
	}
	return fmt.Errorf("show: unknown argument %q", args[0])
}

func (c *ctl) table() *tabwriter.Writer {
	return tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
}

func (c *ctl) showStatus() error {
	var st api.StatusResponse
	if err := c.get("/api/v1/status", &st); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Uptime:         %s\n", st.Uptime)
	fmt.Fprintf(c.out, "Interfaces:     %d\n", st.Interfaces)
	fmt.Fprintf(c.out, "IPv6 routes:    %d\n", st.Routes)
	fmt.Fprintf(c.out, "Neighbours:     %d\n", st.Neighbours)
	fmt.Fprintf(c.out, "DHCP sessions:  %d\n", st.DHCPSessions)
	fmt.Fprintf(c.out, "DHCP leases:    %d\n", st.DHCPLeases)
	return nil
}

func (c *ctl) showInterfaces() error {
	var ifaces []api.InterfaceInfo
	if err := c.get("/api/v1/interfaces", &ifaces); err != nil {
		return err
	}
	w := c.table()
	fmt.Fprintln(w, "NAME\tINDEX\tMAC\tMTU\tSTATE")
	for _, i := range ifaces {
		state := "down"
		switch {
		case i.Open && i.LinkBlocked:
			state = "blocked"
		case i.Open:
			state = "up"
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%d\t%s\n", i.Name, i.Index, i.MAC, i.MTU, state)
	}
	return w.Flush()
}

func (c *ctl) showRoutes() error {
	var routes []api.RouteInfo
	if err := c.get("/api/v1/routes", &routes); err != nil {
		return err
	}
	w := c.table()
	fmt.Fprintln(w, "INTERFACE\tADDRESS\tROUTER\tSCOPE\tFLAGS")
	for _, r := range routes {
		router := r.Router
		if router == "" {
			router = "-"
		}
		fmt.Fprintf(w, "%s\t%s/%d\t%s\t%s\t%s\n", r.Interface, r.Address, r.PrefixLen,
			router, r.Scope, strings.Join(r.Flags, ","))
	}
	return w.Flush()
}

func (c *ctl) showSettings(scope string) error {
	var vals []api.SettingInfo
	path := "/api/v1/settings"
	if scope != "" {
		path += "?scope=" + url.QueryEscape(scope)
	}
	if err := c.get(path, &vals); err != nil {
		return err
	}
	w := c.table()
	fmt.Fprintln(w, "SETTING\tVALUE\tORIGIN")
	for _, v := range vals {
		fmt.Fprintf(w, "%s\t%s\t%s\n", v.Name, v.Value, v.Origin)
	}
	return w.Flush()
}

func (c *ctl) showBlocks() error {
	var blocks []api.BlockInfo
	if err := c.get("/api/v1/settings/blocks", &blocks); err != nil {
		return err
	}
	for _, b := range blocks {
		name := b.Path
		if i := strings.LastIndexByte(name, '.'); i >= 0 {
			name = name[i+1:]
		}
		fmt.Fprintf(c.out, "%s%s (order %d)\n", strings.Repeat("  ", b.Depth), name, b.Order)
	}
	return nil
}

func (c *ctl) showNeighbours() error {
	var neigh []map[string]string
	if err := c.get("/api/v1/neighbours", &neigh); err != nil {
		return err
	}
	w := c.table()
	fmt.Fprintln(w, "INTERFACE\tADDRESS\tMAC\tORIGIN")
	for _, n := range neigh {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", n["interface"], n["address"], n["mac"], n["origin"])
	}
	return w.Flush()
}

func (c *ctl) showStatistics() error {
	var st api.Statistics
	if err := c.get("/api/v1/statistics", &st); err != nil {
		return err
	}
	for _, s := range st.IP {
		fmt.Fprintf(c.out, "%s:\n", s.Family)
		w := c.table()
		fmt.Fprintf(w, "  InReceives\t%d\tOutRequests\t%d\n", s.InReceives, s.OutRequests)
		fmt.Fprintf(w, "  InOctets\t%d\tOutOctets\t%d\n", s.InOctets, s.OutOctets)
		fmt.Fprintf(w, "  InMcastPkts\t%d\tOutMcastPkts\t%d\n", s.InMcastPkts, s.OutMcastPkts)
		fmt.Fprintf(w, "  InHdrErrors\t%d\tOutNoRoutes\t%d\n", s.InHdrErrors, s.OutNoRoutes)
		fmt.Fprintf(w, "  InAddrErrors\t%d\tOutTransmits\t%d\n", s.InAddrErrors, s.OutTransmits)
		fmt.Fprintf(w, "  InTruncatedPkts\t%d\tReasmReqds\t%d\n", s.InTruncatedPkts, s.ReasmReqds)
		fmt.Fprintf(w, "  InUnknownProtos\t%d\tReasmOKs\t%d\n", s.InUnknownProtos, s.ReasmOKs)
		fmt.Fprintf(w, "  InDelivers\t%d\tReasmFails\t%d\n", s.InDelivers, s.ReasmFails)
		if err := w.Flush(); err != nil {
			return err
		}
	}
	return nil
}

func (c *ctl) showDHCPLeases() error {
	var leases []dhcp.Lease
	if err := c.get("/api/v1/dhcp/leases", &leases); err != nil {
		return err
	}
	if len(leases) == 0 {
		fmt.Fprintln(c.out, "No leases")
		return nil
	}
	for _, l := range leases {
		fmt.Fprintf(c.out, "Interface %s:\n", l.Interface)
		fmt.Fprintf(c.out, "  Address:     %s\n", l.Address)
		if l.Gateway.IsValid() {
			fmt.Fprintf(c.out, "  Gateway:     %s\n", l.Gateway)
		}
		for _, d := range l.DNS {
			fmt.Fprintf(c.out, "  DNS:         %s\n", d)
		}
		if l.NextServer.IsValid() {
			fmt.Fprintf(c.out, "  Next server: %s\n", l.NextServer)
		}
		if l.Filename != "" {
			fmt.Fprintf(c.out, "  Filename:    %s\n", l.Filename)
		}
		fmt.Fprintf(c.out, "  Lease time:  %s\n", l.LeaseTime)
		fmt.Fprintf(c.out, "  Obtained:    %s", l.Obtained.Format(time.DateTime))
		var flags []string
		if l.Cached {
			flags = append(flags, "cached")
		}
		if l.ProxyDHCP {
			flags = append(flags, "proxydhcp")
		}
		if l.PXEBS {
			flags = append(flags, "pxebs")
		}
		if len(flags) > 0 {
			fmt.Fprintf(c.out, " (%s)", strings.Join(flags, ", "))
		}
		fmt.Fprintln(c.out)
	}
	return nil
}

func (c *ctl) showDHCPSessions() error {
	var sessions []dhcp.SessionInfo
	if err := c.get("/api/v1/dhcp/sessions", &sessions); err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Fprintln(c.out, "No running sessions")
		return nil
	}
	w := c.table()
	fmt.Fprintln(w, "INTERFACE\tSTATE\tXID\tLOCAL\tOFFERS")
	for _, s := range sessions {
		local := s.Local
		if local == "" {
			local = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n", s.Interface, s.State, s.XID, local, len(s.Offers))
	}
	return w.Flush()
}

func printRecord(w io.Writer, r logging.Record) {
	fmt.Fprintf(w, "%s %-5s %s", r.Time.Format(time.StampMilli), r.Level, r.Message)
	if r.Attrs != "" {
		fmt.Fprintf(w, " %s", r.Attrs)
	}
	fmt.Fprintln(w)
}

func (c *ctl) showLogs(n int) error {
	var recs []logging.Record
	if err := c.get("/api/v1/logs?limit="+strconv.Itoa(n), &recs); err != nil {
		return err
	}
	for i := len(recs) - 1; i >= 0; i-- {
		printRecord(c.out, recs[i])
	}
	return nil
}

// monitorLogs follows the log stream until the connection drops.
func (c *ctl) monitorLogs(args []string) error {
	path := "/api/v1/logs/stream"
	if len(args) > 0 {
		path += "?match=" + url.QueryEscape(strings.Join(args, " "))
	}
	req, err := c.request("GET", path, nil)
	if err != nil {
		return err
	}
	resp, err := c.stream.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("monitor logs: %s", resp.Status)
	}

	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		data, ok := strings.CutPrefix(sc.Text(), "data: ")
		if !ok {
			continue
		}
		var rec logging.Record
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			continue
		}
		printRecord(c.out, rec)
	}
	return sc.Err()
}

// values supplies dynamic completion values from the daemon.
func (c *ctl) values(kind string) []string {
	var out []string
	switch kind {
	case cmdtree.Interfaces:
		var ifaces []api.InterfaceInfo
		if c.get("/api/v1/interfaces", &ifaces) == nil {
			for _, i := range ifaces {
				out = append(out, i.Name)
			}
		}
	case cmdtree.Blocks:
		var blocks []api.BlockInfo
		if c.get("/api/v1/settings/blocks", &blocks) == nil {
			for _, b := range blocks {
				out = append(out, b.Path)
			}
		}
	}
	return out
}

func (c *ctl) showContextHelp(prefix string) {
	words, partial := cmdtree.Split(prefix)
	candidates := cmdtree.Complete(cmdtree.Tree, words, partial, c.values)
	if len(candidates) == 0 {
		fmt.Fprintln(c.out, "No completions")
		return
	}
	cmdtree.WriteHelp(c.out, candidates)
}

func (c *ctl) showHelp() {
	fmt.Fprintln(c.out, "Commands:")
	fmt.Fprintln(c.out, "  show status                 Daemon status")
	fmt.Fprintln(c.out, "  show interfaces             Network interfaces")
	fmt.Fprintln(c.out, "  show routes                 IPv6 minirouting table")
	fmt.Fprintln(c.out, "  show settings [scope]       Effective settings")
	fmt.Fprintln(c.out, "  show blocks                 Settings tree")
	fmt.Fprintln(c.out, "  show neighbours             Neighbour cache")
	fmt.Fprintln(c.out, "  show statistics             IP statistics")
	fmt.Fprintln(c.out, "  show dhcp leases|sessions   DHCP state")
	fmt.Fprintln(c.out, "  show logs [count]           Recent log records")
	fmt.Fprintln(c.out, "  renew <interface>           Restart DHCP on an interface")
	fmt.Fprintln(c.out, "  monitor logs [match]        Follow the log stream")
	fmt.Fprintln(c.out, "  exit                        Leave the shell")
}
