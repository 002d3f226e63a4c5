// Command minilivechatd is the push-to-talk relay and signaling server.
// Startup order: flags over environment, certificate, advertise IP, the
// shared state hubs, preset channels, then the four long-lived tasks
// (HTTP/WebSocket listener, UDP demultiplexer, reaper, and the
// per-connection goroutines the listener spawns).
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/lanikai/minilivechat/internal/config"
	"github.com/lanikai/minilivechat/internal/core"
	"github.com/lanikai/minilivechat/internal/floor"
	"github.com/lanikai/minilivechat/internal/httpapi"
	"github.com/lanikai/minilivechat/internal/logging"
	"github.com/lanikai/minilivechat/internal/media"
	"github.com/lanikai/minilivechat/internal/reaper"
	"github.com/lanikai/minilivechat/internal/signaling"
	"github.com/lanikai/minilivechat/internal/trace"
)

var log = logging.DefaultLogger.WithTag("main")

var (
	flagPort        = flag.Int("port", 0, "signaling/HTTP listen port (overrides SIGNALING_PORT)")
	flagUDPPort     = flag.Int("udp-port", 0, "media UDP port (overrides SERVER_UDP_PORT)")
	flagAdvertiseIP = flag.String("advertise-ip", "", "IP advertised in SDP candidates (overrides ADVERTISE_IP)")
	flagHelp        = flag.BoolP("help", "h", false, "print usage and exit")
)

// presetChannels are seeded at startup so radios have somewhere to meet
// before anyone issues CHANNEL_CREATE.
var presetChannels = []struct {
	id   string
	freq string
	name string
	mode core.ChannelMode
}{
	{"CH_001", "0001", "General", core.ModePTT},
	{"CH_002", "0002", "Dispatch", core.ModePTT},
	{"CH_003", "0003", "Emergency", core.ModePTT},
	{"CH_100", "0100", "Conference", core.ModeConference},
}

func main() {
	flag.Parse()
	if *flagHelp {
		flag.Usage()
		os.Exit(0)
	}

	cfg := config.FromEnv()
	if *flagPort != 0 {
		cfg.SignalingPort = *flagPort
	}
	if *flagUDPPort != 0 {
		cfg.ServerUDPPort = *flagUDPPort
	}
	if *flagAdvertiseIP != "" {
		cfg.AdvertiseIP = *flagAdvertiseIP
	}

	cert, err := media.LoadOrGenerateCertificate(cfg.CertPath, cfg.KeyPath)
	if err != nil {
		log.Fatalf("certificate: %s", err)
	}
	fingerprint, err := media.Fingerprint(cert)
	if err != nil {
		log.Fatalf("certificate fingerprint: %s", err)
	}
	log.Info("DTLS certificate fingerprint: %s", fingerprint)

	// Resolved once; treated as immutable for the process lifetime.
	if cfg.AdvertiseIP == "" {
		cfg.AdvertiseIP = signaling.DetectLocalIP()
	}
	log.Info("advertise IP: %s", cfg.AdvertiseIP)

	users := core.NewUserHub()
	channels := core.NewChannelHub(func() *floor.FloorControl {
		return floor.New(cfg.FloorMaxTaken, cfg.FloorPingTimeout)
	})
	peers := core.NewMediaPeerHub()
	traces := trace.NewHub()

	for _, p := range presetChannels {
		channels.Create(p.id, p.freq, p.name, p.mode, cfg.MaxPeersPerChannel)
	}
	log.Info("seeded %d preset channel(s)", len(presetChannels))

	sigServer := signaling.NewServer(signaling.Config{
		Secret:             cfg.Secret,
		HeartbeatInterval:  cfg.HeartbeatInterval,
		FloorMaxTaken:      cfg.FloorMaxTaken,
		MaxPeersPerChannel: cfg.MaxPeersPerChannel,
		EgressQueueSize:    cfg.EgressQueueSize,
		MaxMessageLength:   cfg.MaxMessageLength,
		UDPPort:            cfg.ServerUDPPort,
		AdvertiseIP:        cfg.AdvertiseIP,
		Fingerprint:        fingerprint,
	}, users, channels, peers, traces)

	mediaConn, err := net.ListenUDP("udp", &net.UDPAddr{Port: cfg.ServerUDPPort})
	if err != nil {
		log.Fatalf("media socket: %s", err)
	}
	demux := media.NewDemux(mediaConn, peers, channels, cert, cfg.DtlsHandshakeTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go demux.Run(ctx)

	r := &reaper.Reaper{
		Interval:      cfg.ReaperInterval,
		ZombieTimeout: cfg.ZombieTimeout,
		Users:         users,
		Peers:         peers,
		Sessions:      demux.Sessions(),
		Disposer:      sigServer,
		Floors:        sigServer,
	}
	go r.Run(ctx)

	mux := http.NewServeMux()
	mux.Handle("/ws", sigServer.Handler())
	httpapi.New(users, channels, peers, traces, sigServer).Register(mux)

	addr := fmt.Sprintf(":%d", cfg.SignalingPort)
	log.Info("signaling on %s, media relay on udp/%d", addr, cfg.ServerUDPPort)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Fatalln(srv.ListenAndServe())
}
