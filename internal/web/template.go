package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/sweeney/appliance-sensor/internal/status"
)

func formatDuration(d time.Duration) string {
	d = d.Truncate(time.Second)
	days := int(d.Hours()) / 24
	h := int(d.Hours()) % 24
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, h, m, s)
	}
	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"duration": formatDuration,
	"kwh":      func(v float64) string { return fmt.Sprintf("%.3f kWh", v) },
	"money":    func(v float64) string { return fmt.Sprintf("%.2f", v) },
	"ts": func(t time.Time) string {
		if t.IsZero() {
			return "-"
		}
		return t.UTC().Format("2006-01-02T15:04:05Z")
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<meta http-equiv="refresh" content="30">
<title>{{if .HasReading}}{{.Appliance.Name}}{{else}}Appliance Sensor{{end}}</title>
<style>
body { font-family: monospace; max-width: 600px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
th { width: 40%; }
.on { color: green; font-weight: bold; }
.off { color: #888; }
.unknown { color: orange; }
.due { color: orange; font-weight: bold; }
.connected { color: green; }
.disconnected { color: red; }
</style>
</head>
<body>
<h1>{{if .HasReading}}{{.Appliance.Name}}{{else}}Appliance Sensor{{end}}</h1>

<h2>State</h2>
<table>
{{if .HasReading}}<tr><th>State</th><td id="state" class="{{if .Appliance.Running}}on{{else}}off{{end}}">{{.Appliance.State}}</td></tr>
<tr><th>Power</th><td>{{printf "%.1f" .Appliance.Power}} W</td></tr>
{{if .Appliance.Running}}<tr><th>Cycle</th><td>#{{.Appliance.Cycle}} running {{duration .Appliance.CycleDuration}}</td></tr>{{end}}
<tr><th>Started</th><td>{{ts .Appliance.StartTime}}</td></tr>
<tr><th>Ended</th><td>{{ts .Appliance.EndTime}}</td></tr>
<tr><th>Completed cycles</th><td>{{.Appliance.UseCount}}</td></tr>
{{else}}<tr><th>State</th><td id="state" class="unknown">UNKNOWN</td></tr>{{end}}
<tr><th>Available</th><td class="{{if .Available}}connected{{else}}disconnected{{end}}">{{if .Available}}yes{{else}}no{{end}}</td></tr>
{{if .LastError}}<tr><th>Last error</th><td>{{.LastError}}</td></tr>{{end}}
</table>
{{if .HasReading}}
<h2>Usage</h2>
<table>
<tr><th>This cycle</th><td>{{kwh .Appliance.CycleEnergy}} / {{money .Appliance.CycleCost}}</td></tr>
<tr><th>Previous cycle</th><td>{{kwh .Appliance.PreviousCycleEnergy}} / {{money .Appliance.PreviousCycleCost}} in {{duration .Appliance.LastCycleDuration}}</td></tr>
<tr><th>Total</th><td>{{kwh .Appliance.TotalEnergy}} / {{money .Appliance.TotalCost}} in {{duration .Appliance.TotalDuration}}</td></tr>
<tr><th>Rate</th><td>{{if .Appliance.RateAvailable}}{{printf "%.4f" .Appliance.Rate}} per kWh{{else}}n/a{{end}}</td></tr>
</table>

<h2>Service</h2>
<table>
<tr><th>Status</th><td id="service" class="{{if eq (printf "%s" .Appliance.ServiceStatus) "needs_service"}}due{{end}}">{{.Appliance.ServiceStatus}}</td></tr>
{{if ne (printf "%s" .Appliance.ServiceStatus) "disabled"}}<tr><th>Remaining cycles</th><td>{{.Appliance.RemainingCycles}}</td></tr>{{end}}
{{if .Appliance.ServiceMessage}}<tr><th>Message</th><td>{{.Appliance.ServiceMessage}}</td></tr>{{end}}
</table>
{{end}}
<h2>Connectivity</h2>
<table>
<tr><th>MQTT</th><td class="{{if .MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Broker</th><td>{{.Config.Broker}}</td></tr>
<tr><th>Power topic</th><td>{{.Config.PowerTopic}}</td></tr>
{{if .Config.PriceTopic}}<tr><th>Price topic</th><td>{{.Config.PriceTopic}}</td></tr>{{end}}
{{if .Network}}<tr><th>Network</th><td>{{.Network.Status}} ({{.Network.Type}}{{if .Network.SSID}}, {{.Network.SSID}}{{end}})</td></tr>
<tr><th>IP</th><td>{{.Network.IP}}</td></tr>{{end}}
</table>

<h2>System</h2>
<table>
<tr><th>Uptime</th><td>{{duration .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
<tr><th>Thresholds</th><td>start &gt; {{.Config.StartWatts}} W, stop &le; {{.Config.StopWatts}} W</td></tr>
<tr><th>Poll</th><td>{{.Config.PollMs}}ms</td></tr>
<tr><th>Debounce</th><td>start {{.Config.StartDebounceMs}}ms, stop {{.Config.StopDebounceMs}}ms</td></tr>
<tr><th>Heartbeat</th><td>{{if eq .Config.HeartbeatMs 0}}disabled{{else}}{{.Config.HeartbeatMs}}ms{{end}}</td></tr>
<tr><th>HTTP</th><td>{{.Config.HTTPPort}}</td></tr>
</table>

<p><a href="/index.json">JSON</a> | <a href="/metrics">metrics</a></p>
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot) error {
	// Snapshot has Uptime() method but template needs a Duration field.
	data := struct {
		status.Snapshot
		Uptime time.Duration
	}{
		Snapshot: snap,
		Uptime:   snap.Uptime(),
	}
	return indexTmpl.Execute(w, data)
}
