// Command appliance-sensor watches an appliance's power reading over MQTT,
// detects running cycles, and publishes usage, cost and service state.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sweeney/appliance-sensor/internal/config"
	"github.com/sweeney/appliance-sensor/internal/coordinator"
	"github.com/sweeney/appliance-sensor/internal/cyclelog"
	"github.com/sweeney/appliance-sensor/internal/gpio"
	"github.com/sweeney/appliance-sensor/internal/logic"
	"github.com/sweeney/appliance-sensor/internal/metrics"
	"github.com/sweeney/appliance-sensor/internal/mqtt"
	"github.com/sweeney/appliance-sensor/internal/source"
	"github.com/sweeney/appliance-sensor/internal/status"
	"github.com/sweeney/appliance-sensor/internal/web"
)

// overrides are command-line values applied on top of the config file.
// Zero values leave the file setting alone.
type overrides struct {
	name       string
	preset     string
	powerTopic string
	powerField string
	priceTopic string
	fixedPrice float64 // negative means unset
	broker     string
	poll       time.Duration
	heartbeat  time.Duration
	httpAddr   string
	pin        int
	activeLow  bool
	kafka      string // comma separated
}

func main() {
	configPath := flag.String("config", "", "YAML config file (optional)")
	var o overrides
	flag.StringVar(&o.name, "name", "", "Appliance name")
	flag.StringVar(&o.preset, "preset", "", "Threshold preset ("+strings.Join(config.PresetNames(), ", ")+")")
	flag.StringVar(&o.powerTopic, "power-topic", "", "MQTT topic carrying the power reading in watts")
	flag.StringVar(&o.powerField, "power-field", "", "JSON field holding the power reading")
	flag.StringVar(&o.priceTopic, "price-topic", "", "MQTT topic carrying the price per kWh")
	flag.Float64Var(&o.fixedPrice, "fixed-price", -1, "Fixed price per kWh (negative to disable)")
	flag.StringVar(&o.broker, "broker", "", "MQTT broker address (default "+config.DefaultBroker+")")
	flag.DurationVar(&o.poll, "poll", 0, "Polling interval (default "+config.DefaultPoll.String()+")")
	flag.DurationVar(&o.heartbeat, "heartbeat", 0, "Heartbeat interval (default "+config.DefaultHeartbeat.String()+", negative disables)")
	flag.StringVar(&o.httpAddr, "http", "", `HTTP status address (default `+config.DefaultHTTPAddr+`, "off" disables)`)
	flag.IntVar(&o.pin, "pin", 0, "BCM pin for the running indicator (0 disables)")
	flag.BoolVar(&o.activeLow, "pin-active-low", false, "Drive the indicator pin low when running")
	flag.StringVar(&o.kafka, "kafka", "", "Comma separated Kafka brokers for the cycle log")
	printConfig := flag.Bool("print-config", false, "Print the resolved configuration and exit")

	flag.Parse()

	app, daemon, err := loadConfig(*configPath, o)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *printConfig {
		printResolved(os.Stdout, app, daemon)
		return
	}
	if err := run(app, daemon); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}

// loadConfig reads the optional file, applies overrides, defaults and presets.
func loadConfig(path string, o overrides) (config.Resolved, config.Daemon, error) {
	var f config.File
	if path != "" {
		var err error
		if f, err = config.Load(path); err != nil {
			return config.Resolved{}, config.Daemon{}, err
		}
	}

	a := &f.Appliance
	setString(&a.Name, o.name)
	setString(&a.Preset, o.preset)
	setString(&a.PowerTopic, o.powerTopic)
	setString(&a.PowerField, o.powerField)
	setString(&a.PriceTopic, o.priceTopic)
	if o.fixedPrice >= 0 {
		p := o.fixedPrice
		a.FixedPrice = &p
	}

	d := &f.Daemon
	setString(&d.Broker, o.broker)
	setString(&d.HTTPAddr, o.httpAddr)
	if o.poll > 0 {
		d.Poll = o.poll
	}
	if o.heartbeat != 0 {
		d.Heartbeat = o.heartbeat
	}
	if o.pin > 0 {
		d.IndicatorPin = o.pin
	}
	if o.activeLow {
		d.IndicatorActiveLow = true
	}
	if brokers := splitList(o.kafka); len(brokers) > 0 {
		d.KafkaBrokers = brokers
	}

	app, err := f.Appliance.Resolve()
	if err != nil {
		return config.Resolved{}, config.Daemon{}, err
	}
	return app, f.Daemon.WithDefaults(), nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// splitList splits a comma separated flag value, trimming blanks and
// dropping empty entries.
func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func printResolved(w io.Writer, app config.Resolved, d config.Daemon) {
	fmt.Fprintf(w, "appliance:   %s (%s)\n", app.Name, config.Slug(app.Name))
	fmt.Fprintf(w, "power topic: %s\n", app.PowerTopic)
	switch {
	case app.HasFixed:
		fmt.Fprintf(w, "price:       fixed %v per kWh\n", app.FixedPrice)
	case app.PriceTopic != "":
		fmt.Fprintf(w, "price topic: %s\n", app.PriceTopic)
	default:
		fmt.Fprintf(w, "price:       none\n")
	}
	fmt.Fprintf(w, "thresholds:  start > %v W, stop <= %v W\n", app.StartWatts, app.StopWatts)
	fmt.Fprintf(w, "debounce:    start %v, stop %v\n", app.StartDebounce, app.StopDebounce)
	if app.ServiceReminder {
		fmt.Fprintf(w, "service:     every %d cycles\n", app.ServiceReminderCount)
	} else {
		fmt.Fprintf(w, "service:     disabled\n")
	}
	fmt.Fprintf(w, "broker:      %s\n", d.Broker)
	fmt.Fprintf(w, "poll:        %v\n", d.Poll)
	fmt.Fprintf(w, "heartbeat:   %v\n", d.Heartbeat)
	fmt.Fprintf(w, "http:        %s\n", d.HTTPAddr)
}

func run(app config.Resolved, daemon config.Daemon) error {
	slug := config.Slug(app.Name)
	topics := mqtt.NewTopics(slug)

	// Initialize status tracker (before STARTUP so snapshot is available)
	tracker := status.NewTracker(time.Now(), status.Config{
		PollMs:          daemon.Poll.Milliseconds(),
		StartDebounceMs: app.StartDebounce.Milliseconds(),
		StopDebounceMs:  app.StopDebounce.Milliseconds(),
		HeartbeatMs:     max(daemon.Heartbeat, 0).Milliseconds(),
		StartWatts:      app.StartWatts,
		StopWatts:       app.StopWatts,
		PowerTopic:      app.PowerTopic,
		PriceTopic:      app.PriceTopic,
		Broker:          daemon.Broker,
		HTTPPort:        daemon.HTTPAddr,
	})
	if net := readNetworkInfo(); net != nil {
		tracker.SetNetwork(net)
	}

	m := metrics.New(prometheus.NewRegistry(), app.Name)

	// Initialize MQTT
	clientID := daemon.ClientID
	if clientID == "" {
		clientID = "appliance-sensor-" + slug
	}
	will, err := mqtt.FormatSystemPayload(mqtt.SystemEvent{
		Timestamp: time.Now(),
		Event:     "OFFLINE",
		Reason:    "MQTT_DISCONNECT",
	})
	if err != nil {
		return fmt.Errorf("format will: %w", err)
	}
	session := mqtt.NewSession(mqtt.Options{
		Broker:      daemon.Broker,
		ClientID:    clientID,
		WillTopic:   topics.System,
		WillPayload: will,
	})
	defer session.Close()
	publisher := mqtt.NewRealPublisher(session.Client(), topics)
	defer publisher.Close()

	power := mqtt.NewSubscription(app.PowerTopic, app.PowerField)
	subs := []*mqtt.Subscription{power}
	var price source.Source
	switch {
	case app.HasFixed:
		fixed, err := source.NewFixed(app.FixedPrice)
		if err != nil {
			return fmt.Errorf("fixed price: %w", err)
		}
		price = fixed
	case app.PriceTopic != "":
		sub := mqtt.NewSubscription(app.PriceTopic, app.PriceField)
		subs = append(subs, sub)
		price = sub
	}

	var connects atomic.Int32
	session.OnConnect(func(c paho.Client) {
		for _, s := range subs {
			if err := s.Subscribe(c); err != nil {
				log.Printf("mqtt: %v", err)
			}
		}
		tracker.SetMQTTConnected(true)
		publisher.Flush()
		if connects.Add(1) > 1 {
			publishSystem(publisher, session, tracker, time.Now, "RECONNECTED", "")
		}
	})

	var coord *coordinator.Coordinator
	coord, err = coordinator.New(app, power, price, coordinator.Options{
		Interval: daemon.Poll,
		OnFailure: func(err error) {
			m.UpdateFailed(err)
			st := coord.Status()
			tracker.SetAvailability(st.Available, st.LastError, st.LastSuccess, st.Failures)
			if st.Failures == 1 {
				publishUnavailable(publisher, err)
			}
		},
	})
	if err != nil {
		return err
	}

	coord.AddListener(stateListener(publisher, session, tracker, coord.Status))
	coord.AddListener(m.Observe)

	if daemon.IndicatorPin > 0 {
		ind, err := gpio.NewRealIndicator(daemon.IndicatorPin, daemon.IndicatorActiveLow)
		if err != nil {
			log.Printf("gpio: indicator disabled: %v", err)
		} else {
			defer ind.Close()
			coord.AddListener(gpio.Follow(ind))
			log.Printf("gpio: indicator on pin %d", daemon.IndicatorPin)
		}
	}

	if len(daemon.KafkaBrokers) > 0 {
		sink := cyclelog.NewSink(cyclelog.NewKafkaWriter(daemon.KafkaBrokers, daemon.KafkaTopic), slug)
		defer sink.Close()
		coord.AddListener(sink.Observe)
		log.Printf("cyclelog: writing to %s on %s", daemon.KafkaTopic, strings.Join(daemon.KafkaBrokers, ","))
	}

	if err := session.Connect(); err != nil {
		// paho keeps retrying; messages are buffered meanwhile
		log.Printf("mqtt: %v", err)
	}

	publishSystem(publisher, session, tracker, time.Now, "STARTUP", "")

	// Start HTTP status server
	if daemon.HTTPAddr != "off" {
		srv := web.New(daemon.HTTPAddr, tracker, m)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("http server error: %v", err)
			}
		}()
		defer srv.Shutdown(context.Background())
		log.Printf("http status server listening on %s", daemon.HTTPAddr)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// A signal during setup cancels ctx and is also queued on sigCh,
	// so runLoop still publishes SHUTDOWN.
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := coord.Setup(ctx); err != nil && !errors.Is(err, context.Canceled) {
		coord.Shutdown()
		return fmt.Errorf("setup: %w", err)
	}

	log.Printf("started: appliance=%q power=%s poll=%v broker=%s heartbeat=%v",
		app.Name, app.PowerTopic, daemon.Poll, daemon.Broker, daemon.Heartbeat)

	var heartbeat <-chan time.Time
	if daemon.Heartbeat > 0 {
		t := time.NewTicker(daemon.Heartbeat)
		defer t.Stop()
		heartbeat = t.C
	}

	// The coordinator is stopped inside runLoop, before the deferred closes
	// of the web server, cycle log and indicator run.
	return runLoop(publisher, session, tracker, time.Now, heartbeat, sigCh, coord.Shutdown)
}

// stateListener publishes every snapshot to the state topic, cycle
// transitions to the events topic, and mirrors the result into tracker.
func stateListener(pub mqtt.Publisher, mqttStatus mqtt.ConnectionStatus, tracker *status.Tracker, health func() coordinator.Status) coordinator.Listener {
	return func(snap logic.Snapshot) {
		tracker.Update(snap)
		st := health()
		tracker.SetAvailability(st.Available, st.LastError, st.LastSuccess, st.Failures)
		if mqttStatus != nil {
			tracker.SetMQTTConnected(mqttStatus.IsConnected())
		}

		if err := pub.PublishState(snap); err != nil {
			log.Printf("publish state error: %v", err)
		}
		if snap.Event != logic.EventNone {
			log.Printf("event: %s (cycle=%d uses=%d)", snap.Event, snap.Cycle, snap.UseCount)
			if err := pub.PublishCycle(snap); err != nil {
				log.Printf("publish cycle error: %v", err)
			}
		}
	}
}

func publishUnavailable(pub mqtt.Publisher, cause error) {
	event := mqtt.SystemEvent{
		Timestamp: time.Now(),
		Event:     "UNAVAILABLE",
		Reason:    cause.Error(),
		Retained:  true,
	}
	if err := pub.PublishSystem(event); err != nil {
		log.Printf("failed to publish unavailable event: %v", err)
	}
}

// publishSystem publishes a retained system event carrying the full status snapshot.
func publishSystem(pub mqtt.Publisher, mqttStatus mqtt.ConnectionStatus, tracker *status.Tracker, now func() time.Time, name, reason string) {
	event := mqtt.SystemEvent{
		Timestamp: now(),
		Event:     name,
		Reason:    reason,
		Retained:  true,
	}
	if tracker != nil {
		if mqttStatus != nil {
			tracker.SetMQTTConnected(mqttStatus.IsConnected())
		}
		event.RawPayload = status.FormatStatusEvent(tracker.Snapshot(), name, reason)
	}
	if err := pub.PublishSystem(event); err != nil {
		log.Printf("failed to publish %s event: %v", strings.ToLower(name), err)
		return
	}
	log.Printf("published %s event", strings.ToLower(name))
}

// runLoop publishes heartbeats until a signal arrives, then calls stop and
// publishes SHUTDOWN. stop must not return until no more snapshots can be
// published. heartbeat and stop may be nil.
func runLoop(publisher mqtt.Publisher, mqttStatus mqtt.ConnectionStatus, tracker *status.Tracker, now func() time.Time, heartbeat <-chan time.Time, sig <-chan os.Signal, stop func()) error {
	for {
		select {
		case s := <-sig:
			log.Printf("received %v, shutting down", s)
			signalName := "UNKNOWN"
			if s == syscall.SIGINT {
				signalName = "SIGINT"
			} else if s == syscall.SIGTERM {
				signalName = "SIGTERM"
			}
			if stop != nil {
				stop()
			}
			publishSystem(publisher, mqttStatus, tracker, now, "SHUTDOWN", signalName)
			return nil

		case <-heartbeat:
			if tracker != nil {
				// Refresh network info for heartbeat
				if net := readNetworkInfo(); net != nil {
					tracker.SetNetwork(net)
				}
				snap := tracker.Snapshot()
				log.Printf("heartbeat: uptime=%v state=%s uses=%d energy=%.3fkWh",
					snap.Uptime().Truncate(time.Second), snap.Appliance.State(), snap.Appliance.UseCount, snap.Appliance.TotalEnergy)
			}
			publishSystem(publisher, mqttStatus, tracker, now, "HEARTBEAT", "")
		}
	}
}

// pi-helper env var names (written to /run/pi-helper.env).
const (
	envNetworkType       = "NETWORK_TYPE"
	envNetworkIP         = "NETWORK_IP"
	envNetworkStatus     = "NETWORK_STATUS"
	envNetworkGateway    = "NETWORK_GATEWAY"
	envNetworkWifiStatus = "NETWORK_WIFI_STATUS"
	envNetworkWifiSSID   = "NETWORK_WIFI_SSID"
)

func readNetworkInfo() *status.NetworkInfo {
	s := os.Getenv(envNetworkStatus)
	if s == "" {
		return nil
	}
	return &status.NetworkInfo{
		Type:       os.Getenv(envNetworkType),
		IP:         os.Getenv(envNetworkIP),
		Status:     s,
		Gateway:    os.Getenv(envNetworkGateway),
		WifiStatus: os.Getenv(envNetworkWifiStatus),
		SSID:       os.Getenv(envNetworkWifiSSID),
	}
}
