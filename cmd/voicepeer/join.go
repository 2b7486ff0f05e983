package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"voicemesh/internal/core/domain"
	"voicemesh/internal/core/services"
	rtc "voicemesh/internal/infrastructure/webrtc"
	"voicemesh/pkg/config"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pion/webrtc/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	flagAudio  string
	flagLoop   bool
	flagUnmute bool
	flagSTUN   []string
)

var joinCmd = &cobra.Command{
	Use:   "join <room>",
	Short: "Join a voice room",
	Long: `Join a voice room and talk to everyone in it.

Audio is read from an Ogg/Opus file when --audio is given, otherwise silence
is sent. Type "help" once joined for the interactive commands.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJoin(cmd.Context(), domain.RoomID(args[0]))
	},
}

func init() {
	joinCmd.Flags().StringVarP(&flagAudio, "audio", "a", "", "Ogg/Opus file to send")
	joinCmd.Flags().BoolVar(&flagLoop, "loop", false, "loop the audio file")
	joinCmd.Flags().BoolVar(&flagUnmute, "unmute", false, "unmute right after joining")
	joinCmd.Flags().StringSliceVar(&flagSTUN, "stun", nil, "STUN server URLs, replacing the configured ICE servers")
}

func runJoin(parent context.Context, roomID domain.RoomID) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := newLogger()
	defer log.Sync()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	client, err := connect(ctx, log)
	if err != nil {
		return err
	}
	defer client.Close()

	welcome := client.Welcome()
	fmt.Printf("Connected as %s (%s, %s)\n", welcome.Name, welcome.ParticipantID, welcome.Role)

	sessionCfg := managerConfig(cfg)
	local, err := rtc.NewLocalAudio()
	if err != nil {
		return fmt.Errorf("create local audio: %w", err)
	}

	rtcCfg := webrtcConfig(cfg)
	rtcCfg.Interceptors = append(rtcCfg.Interceptors, rtc.NewAudioLevelInterceptor(local.Level, sessionCfg.ActivityThreshold))
	factory, err := rtc.NewPionFactory(rtcCfg)
	if err != nil {
		return err
	}
	source, err := frameSource()
	if err != nil {
		return err
	}
	if c, ok := source.(io.Closer); ok {
		defer c.Close()
	}
	go func() {
		if err := local.Run(ctx, source); err != nil {
			log.Warn("local audio stopped", zap.Error(err))
		}
	}()

	manager := rtc.NewSessionManager(client.ID(), sessionCfg, factory, client, local, consoleListener{}, log.Named("sessions"))

	var vc *services.VoiceClient
	activity := rtc.NewActivityMonitor(local.Level, sessionCfg.ActivityThreshold, sessionCfg.SilenceHold, sessionCfg.SampleInterval, func(speaking bool) {
		if err := vc.ReportSpeaking(ctx, speaking); err != nil {
			log.Debug("speaking report failed", zap.Error(err))
		}
	})
	vc = services.NewVoiceClient(client, manager, log.Named("voice"), activity)
	activity.Start(ctx)
	defer activity.Stop()

	runErr := make(chan error, 1)
	go func() { runErr <- vc.Run(ctx) }()

	members, err := vc.Join(ctx, roomID)
	if err != nil {
		return err
	}
	renderRoster(roomID, members)

	if flagUnmute {
		if err := vc.SetMuted(ctx, false); err != nil {
			return err
		}
	}

	commands := make(chan string)
	go readCommands(commands)

	for {
		select {
		case <-ctx.Done():
			return leave(vc)

		case err := <-runErr:
			if errors.Is(err, services.ErrForcedLeave) || errors.Is(err, domain.ErrTransportLost) {
				return err
			}
			return leave(vc)

		case ev := <-vc.Events():
			printEvent(ev)

		case line, ok := <-commands:
			if !ok {
				return leave(vc)
			}
			done, err := execute(ctx, vc, manager, line)
			if err != nil {
				fmt.Println("error:", err)
			}
			if done {
				return leave(vc)
			}
		}
	}
}

func webrtcConfig(cfg *config.Config) rtc.WebRTCConfig {
	var out rtc.WebRTCConfig
	if len(flagSTUN) > 0 {
		out.ICEServers = []webrtc.ICEServer{{URLs: flagSTUN}}
	} else {
		for _, s := range cfg.WebRTC.ICEServers {
			out.ICEServers = append(out.ICEServers, webrtc.ICEServer{
				URLs:       s.URLs,
				Username:   s.Username,
				Credential: s.Credential,
			})
		}
	}
	out.PortRange.Min = cfg.WebRTC.PortRange.Min
	out.PortRange.Max = cfg.WebRTC.PortRange.Max
	return out
}

func managerConfig(cfg *config.Config) rtc.ManagerConfig {
	return rtc.ManagerConfig{
		ConnectionTimeout:      cfg.Session.ConnectionTimeout,
		RebuildBackoff:         cfg.Session.RebuildBackoff,
		FailureNoticeThreshold: cfg.Session.FailureNoticeThreshold,
		ActivityThreshold:      cfg.Session.ActivityThreshold,
		SilenceHold:            cfg.Session.SilenceHold,
		SampleInterval:         cfg.Session.SampleInterval,
	}
}

func frameSource() (rtc.FrameSource, error) {
	if flagAudio == "" {
		return rtc.SilenceSource{}, nil
	}
	return rtc.OpenOggSource(flagAudio, flagLoop)
}

func leave(vc *services.VoiceClient) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return vc.Leave(ctx)
}

func readCommands(out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			out <- line
		}
	}
}

const helpText = `commands:
  mute | unmute            toggle your microphone
  react <symbol>           send a reaction to the room
  moderate <id> on|off     mute or unmute another member (teachers only)
  move <room>              switch to another room
  rooms                    show occupancy
  peers                    show peer session state
  quit                     leave and exit`

// execute runs one interactive command. It reports true when the user asked
// to quit.
func execute(ctx context.Context, vc *services.VoiceClient, manager *rtc.SessionManager, line string) (bool, error) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "quit", "exit":
		return true, nil
	case "help":
		fmt.Println(helpText)
	case "mute":
		return false, vc.SetMuted(ctx, true)
	case "unmute":
		return false, vc.SetMuted(ctx, false)
	case "react":
		if len(fields) < 2 {
			return false, errors.New("usage: react <symbol>")
		}
		return false, vc.React(ctx, fields[1])
	case "moderate":
		if len(fields) < 3 || (fields[2] != "on" && fields[2] != "off") {
			return false, errors.New("usage: moderate <id> on|off")
		}
		return false, vc.Moderate(ctx, domain.ParticipantID(fields[1]), fields[2] == "on")
	case "move":
		if len(fields) < 2 {
			return false, errors.New("usage: move <room>")
		}
		if err := vc.Leave(ctx); err != nil {
			return false, err
		}
		members, err := vc.Join(ctx, domain.RoomID(fields[1]))
		if err != nil {
			return false, err
		}
		renderRoster(domain.RoomID(fields[1]), members)
	case "rooms":
		counts, err := vc.Occupancy(ctx)
		if err != nil {
			return false, err
		}
		renderOccupancy(counts)
	case "peers":
		renderPeers(manager)
	default:
		return false, fmt.Errorf("unknown command %q, try help", fields[0])
	}
	return false, nil
}

func printEvent(ev domain.Event) {
	switch ev.Kind {
	case domain.EventRosterUpdated:
		if ev.ActorName != "" {
			fmt.Printf("* %s %s\n", ev.ActorName, ev.Reason)
		}
		renderRoster(ev.RoomID, ev.Members)
	case domain.EventMuted, domain.EventUnmuted:
		fmt.Printf("* %s was %s by %s\n", ev.TargetID, ev.Kind, ev.ActorID)
	case domain.EventSpeaking:
		if ev.Speaking {
			fmt.Printf("* %s is speaking\n", ev.ActorID)
		}
	case domain.EventReaction:
		fmt.Printf("* %s reacted %s\n", ev.ActorID, ev.Symbol)
	case domain.EventOccupancy:
		renderOccupancy(ev.Counts)
	case domain.EventFatal:
		fmt.Printf("! disconnected by server: %s\n", ev.Message)
	}
}

func renderRoster(roomID domain.RoomID, members domain.Roster) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	t.SetTitle(string(roomID))
	t.AppendHeader(table.Row{"ID", "Name", "Role", "Muted", "Speaking"})
	for _, id := range members.IDs() {
		m := members[id]
		t.AppendRow(table.Row{m.ID, m.Name, m.Role, m.Muted, m.Speaking})
	}
	t.Render()
}

func renderPeers(manager *rtc.SessionManager) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Peer", "Phase", "Loss", "Jitter", "Packets"})
	for _, remote := range manager.Peers() {
		phase, _ := manager.Phase(remote)
		stats, _ := manager.Stats(remote)
		t.AppendRow(table.Row{
			remote,
			phase,
			fmt.Sprintf("%.1f%%", stats.PacketLoss*100),
			stats.Jitter.Round(time.Millisecond),
			stats.PacketsReceived,
		})
	}
	t.Render()
}

// consoleListener prints session notices that matter to the user.
type consoleListener struct{}

func (consoleListener) RemoteSpeaking(remote domain.ParticipantID, speaking bool) {}

func (consoleListener) SessionPhase(remote domain.ParticipantID, phase domain.SessionPhase) {
	switch phase {
	case domain.PhaseConnected:
		fmt.Printf("~ audio connected with %s\n", remote)
	case domain.PhaseFailed:
		fmt.Printf("~ audio lost with %s\n", remote)
	}
}

func (consoleListener) SessionFailing(remote domain.ParticipantID, failures int) {
	fmt.Printf("~ cannot reach %s after %d attempts, still retrying\n", remote, failures)
}
