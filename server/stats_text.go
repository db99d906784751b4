package server

import (
	"bytes"
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/dropbox/gomemcached/protocol"
	mcstats "github.com/dropbox/gomemcached/stats"
)

func (c *conn) processStats(tokens [][]byte) {
	if len(tokens) == 0 {
		c.renderServerStats()
		return
	}

	switch string(tokens[0]) {
	case "reset":
		mcstats.ResetAll(c.srv.global, c.srv.workerStats())
		c.outString(protocol.TokenReset)

	case "detail":
		c.processStatsDetail(tokens[1:])

	case "cachedump":
		c.processCacheDump(tokens[1:])

	case "settings":
		c.renderSettingsStats()

	default:
		c.outString(protocol.TokenError)
	}
}

func (c *conn) statLine(key string, value interface{}) {
	c.out.addString(fmt.Sprintf("STAT %s %v\r\n", key, value))
}

type statPair struct {
	key   string
	value string
}

// serverStatPairs builds the fixed server-scope key set.  Key names
// and ordering are part of the wire contract; both protocols render
// from this list.
func (c *conn) serverStatPairs() []statPair {
	now := c.srv.clock.RefreshNow()
	global := c.srv.global.Snapshot()
	totals := mcstats.Aggregate(c.srv.workerStats())

	var usage unix.Rusage
	_ = unix.Getrusage(unix.RUSAGE_SELF, &usage)

	num := func(v interface{}) string {
		return fmt.Sprintf("%d", v)
	}

	return []statPair{
		{"pid", num(os.Getpid())},
		{"uptime", num(uint32(now))},
		{"time", num(c.srv.clock.Started().Unix() + int64(now))},
		{"version", Version},
		{"pointer_size", num(strconv.IntSize)},
		{"rusage_user", fmt.Sprintf(
			"%d.%06d", usage.Utime.Sec, usage.Utime.Usec)},
		{"rusage_system", fmt.Sprintf(
			"%d.%06d", usage.Stime.Sec, usage.Stime.Usec)},
		{"curr_connections", num(global.CurrConns)},
		{"total_connections", num(global.TotalConns)},
		{"connection_structures", num(global.ConnStructs)},
		{"cmd_get", num(totals.GetCmds)},
		{"cmd_set", num(totals.SetCmds)},
		{"get_hits", num(totals.GetHits)},
		{"get_misses", num(totals.GetMisses)},
		{"delete_misses", num(totals.DeleteMisses)},
		{"delete_hits", num(totals.DeleteHits)},
		{"incr_misses", num(totals.IncrMisses)},
		{"incr_hits", num(totals.IncrHits)},
		{"decr_misses", num(totals.DecrMisses)},
		{"decr_hits", num(totals.DecrHits)},
		{"bytes_read", num(totals.BytesRead)},
		{"bytes_written", num(totals.BytesWritten)},
		{"limit_maxbytes", num(c.srv.store.MaxBytes())},
		{"threads", num(c.srv.settings.NumWorkers)},
		{"curr_items", num(global.CurrItems)},
		{"total_items", num(global.TotalItems)},
		{"bytes", num(global.CurrBytes)},
		{"evictions", num(global.Evictions)},
	}
}

func (c *conn) renderServerStats() {
	for _, pair := range c.serverStatPairs() {
		c.statLine(pair.key, pair.value)
	}
	c.out.addString(protocol.TokenEnd)
	c.state = stateDrain
}

func (c *conn) renderSettingsStats() {
	settings := c.srv.settings

	c.statLine("maxbytes", settings.MaxBytes)
	c.statLine("maxconns", settings.MaxConns)
	c.statLine("tcpport", settings.TCPPort)
	c.statLine("udpport", settings.UDPPort)
	c.statLine("domain_socket", settings.UnixSocket)
	c.statLine("verbosity", c.srv.verbosity())
	c.statLine("growth_factor", settings.GrowthFactor)
	c.statLine("chunk_size", settings.ChunkSize)
	c.statLine("num_threads", settings.NumWorkers)
	c.statLine("evictions", boolOnOff(!settings.DisableEvictions))
	c.statLine("cas_enabled", boolOnOff(!settings.DisableCas))
	c.statLine("reqs_per_event", settings.ReqsPerEvent)
	c.statLine("detail_enabled", boolOnOff(c.srv.detailEnabled()))

	c.out.addString(protocol.TokenEnd)
	c.state = stateDrain
}

func boolOnOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func (c *conn) processStatsDetail(tokens [][]byte) {
	if len(tokens) == 1 {
		switch string(tokens[0]) {
		case "on":
			c.srv.setDetailEnabled(true)
			c.outString(protocol.TokenOk)
			return
		case "off":
			c.srv.setDetailEnabled(false)
			c.outString(protocol.TokenOk)
			return
		case "dump":
			// Prefix detail collection lives outside the core; an
			// empty dump keeps the wire contract.
			c.outString(protocol.TokenEnd)
			return
		}
	}
	c.outClientError("usage: stats detail on|off|dump")
}

func (c *conn) processCacheDump(tokens [][]byte) {
	if len(tokens) != 2 {
		c.outClientError("bad command line")
		return
	}

	slabClass, errClass := strconv.Atoi(string(tokens[0]))
	limit, errLimit := strconv.Atoi(string(tokens[1]))
	if errClass != nil || errLimit != nil || limit < 0 {
		c.outClientError("bad command line")
		return
	}

	buf := new(bytes.Buffer)
	for _, entry := range c.srv.store.CacheDump(slabClass, limit) {
		fmt.Fprintf(buf, "ITEM %s [%d b; %d s]\r\n",
			entry.Key, entry.Size, entry.Exptime)
	}
	c.out.add(buf.Bytes(), nil)
	c.out.addString(protocol.TokenEnd)
	c.state = stateDrain
}
