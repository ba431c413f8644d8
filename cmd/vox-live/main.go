// Command vox-live runs an interactive voice session against Gemini Live
// or a compatible gateway, using ffmpeg for microphone capture and ffplay
// for speaker output.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/vox-go/vox-lite/internal/dotenv"
	"github.com/vox-go/vox-lite/pkg/live/capture"
	"github.com/vox-go/vox-lite/pkg/live/channel"
	"github.com/vox-go/vox-lite/pkg/live/channel/gemini"
	"github.com/vox-go/vox-lite/pkg/live/pcm"
	"github.com/vox-go/vox-lite/pkg/live/playback"
	"github.com/vox-go/vox-lite/pkg/live/session"
)

type options struct {
	model         string
	voice         string
	systemPrompt  string
	gateway       string
	gatewayAPIKey string
	apiKey        string
	ffmpegPath    string
	ffplayPath    string
	volume        int
	debug         bool
}

func main() {
	os.Exit(runMain())
}

func runMain() int {
	if err := dotenv.Load(); err != nil {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}

	var opt options
	flag.StringVar(&opt.model, "model", "gemini-2.5-flash-preview-native-audio-dialog", "Live model to talk to")
	flag.StringVar(&opt.voice, "voice", "Puck", "Synthesized voice name")
	flag.StringVar(&opt.systemPrompt, "system", "", "Optional system instructions for the model")
	flag.StringVar(&opt.gateway, "gateway", "", "Gateway URL; when set, connects through the gateway instead of Gemini directly")
	flag.StringVar(&opt.gatewayAPIKey, "gateway-api-key", "", "Gateway API key (also reads VOX_GATEWAY_API_KEY)")
	flag.StringVar(&opt.apiKey, "api-key", "", "Gemini API key (also reads GEMINI_API_KEY or GOOGLE_API_KEY)")
	flag.StringVar(&opt.ffmpegPath, "ffmpeg-path", "ffmpeg", "Path to the ffmpeg executable")
	flag.StringVar(&opt.ffplayPath, "ffplay-path", "ffplay", "Path to the ffplay executable")
	flag.IntVar(&opt.volume, "volume", 80, "Playback volume, 0 to 100")
	flag.BoolVar(&opt.debug, "debug", false, "Enable debug logging")
	flag.Parse()

	if strings.TrimSpace(opt.gatewayAPIKey) == "" {
		opt.gatewayAPIKey = dotenv.First("VOX_GATEWAY_API_KEY")
	}
	if strings.TrimSpace(opt.apiKey) == "" {
		opt.apiKey = dotenv.First("GEMINI_API_KEY", "GOOGLE_API_KEY")
	}

	level := slog.LevelInfo
	if opt.debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	var dialer channel.Dialer
	if strings.TrimSpace(opt.gateway) != "" {
		dialer = &channel.GatewayDialer{
			URL:    opt.gateway,
			APIKey: opt.gatewayAPIKey,
			Logger: logger,
		}
	} else {
		if strings.TrimSpace(opt.apiKey) == "" {
			fmt.Fprintln(os.Stderr, "missing API key: pass --api-key or set GEMINI_API_KEY")
			return 2
		}
		dialer = &gemini.Dialer{APIKey: opt.apiKey, Logger: logger}
	}

	output, err := playback.NewFFplayOutput(playback.FFplayConfig{
		Path:         opt.ffplayPath,
		SampleRateHz: pcm.PlaybackSampleRateHz,
		Volume:       opt.volume,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "start playback: %v\n", err)
		return 1
	}
	defer output.Close()

	ctrl, err := session.New(session.Config{
		Model:        opt.model,
		Voice:        opt.voice,
		SystemPrompt: opt.systemPrompt,
	}, session.Deps{
		Dialer: dialer,
		Device: &capture.FFmpegDevice{Path: opt.ffmpegPath},
		Output: output,
		Logger: logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "configure session: %v\n", err)
		return 2
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go printEvents(ctrl)

	if err := ctrl.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "start session: %v\n", err)
		return 1
	}
	defer ctrl.Stop()

	fmt.Println("session open; speak into the microphone")
	fmt.Println("commands: /start  /stop  /quit")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- strings.TrimSpace(scanner.Text())
		}
		close(lines)
	}()

	for {
		select {
		case <-sigCh:
			fmt.Println("\nshutting down")
			return 0
		case line, ok := <-lines:
			if !ok {
				return 0
			}
			switch line {
			case "", "/help":
				fmt.Println("commands: /start  /stop  /quit")
			case "/start":
				if err := ctrl.Start(ctx); err != nil {
					fmt.Fprintf(os.Stderr, "start session: %v\n", err)
				}
			case "/stop":
				ctrl.Stop()
			case "/quit", "/exit":
				return 0
			default:
				fmt.Printf("unknown command %q\n", line)
			}
		}
	}
}

func printEvents(ctrl *session.Controller) {
	for ev := range ctrl.Events() {
		switch e := ev.(type) {
		case session.StateChanged:
			slog.Debug("session state", "from", e.From.String(), "to", e.To.String())
		case session.TurnCompleted:
			if e.Turn.User != "" {
				fmt.Printf("you:   %s\n", e.Turn.User)
			}
			if e.Turn.Model != "" {
				fmt.Printf("model: %s\n", e.Turn.Model)
			}
		case session.ErrorEvent:
			fmt.Fprintf(os.Stderr, "session error: %v\n", e.Err)
		}
	}
}
