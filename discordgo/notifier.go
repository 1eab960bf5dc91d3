// Package discordgo provides Discord API adapters using package github.com/bwmarrin/discordgo
package discordgo

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/charmbracelet/log"

	"github.com/benjamonnguyen/tidal"
	"github.com/benjamonnguyen/tidal/models"
)

const (
	timerBarFilledChar = "⣶"
	timerBarEmptyChar  = "⡀"
)

type Color int

const (
	ColorGreen     Color = 0x57f287
	ColorBlue      Color = 0x3498db
	ColorYellow    Color = 0xfee75c
	ColorLightGrey Color = 0xbcc0c0
)

func (c Color) ToInt() *int {
	i := int(c)
	return &i
}

// ChannelMessenger is the part of *discordgo.Session the notifier needs.
type ChannelMessenger interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Notifier posts phase changes to a Discord channel. Sends happen off the caller's goroutine.
type Notifier struct {
	cl        ChannelMessenger
	channelID string
	l         *log.Logger
	wg        sync.WaitGroup
}

func NewNotifier(cl ChannelMessenger, channelID string, logger *log.Logger) *Notifier {
	return &Notifier{
		cl:        cl,
		channelID: channelID,
		l:         logger,
	}
}

// OnSessionUpdate matches the session manager hook.
func (n *Notifier) OnSessionUpdate(_ context.Context, before, curr models.Session) {
	components, ok := Announcement(before, curr)
	if !ok {
		return
	}
	n.wg.Go(func() {
		_, err := n.cl.ChannelMessageSendComplex(n.channelID, &discordgo.MessageSend{
			Flags:      discordgo.MessageFlagsIsComponentsV2,
			Components: components,
		})
		if err != nil {
			n.l.Error("failed to send discord channel message", "channelID", n.channelID, "phase", curr.CurrentPhase(), "err", err)
		}
	})
}

// Close waits for in-flight sends.
func (n *Notifier) Close() {
	n.wg.Wait()
}

// Announcement describes the change from before to curr, if it is worth a message.
func Announcement(before, curr models.Session) ([]discordgo.MessageComponent, bool) {
	phase := titleCase(curr.CurrentPhase().String())
	var (
		text  string
		color Color
	)
	switch {
	case !before.IsOvertime() && curr.IsOvertime():
		text = fmt.Sprintf("### %s time is up\nKeep going or wrap up when you're ready.", phase)
		color = ColorYellow
	case !before.AwaitingAdvance() && curr.AwaitingAdvance():
		text = fmt.Sprintf("### %s ended", phase)
		if before.IsOvertime() {
			text += fmt.Sprintf("\n+%s overtime", formatSeconds(before.ExtraTimeSeconds()))
		}
		color = ColorLightGrey
	case curr.IsRunning() && startedChanged(before, curr):
		text = fmt.Sprintf("### %s started\n%s %s", phase, timerBar(curr), formatSeconds(curr.TotalTimeSeconds()))
		color = ColorGreen
		if curr.CurrentPhase() == tidal.BreathPhase {
			color = ColorBlue
		}
	default:
		return nil, false
	}

	return []discordgo.MessageComponent{
		discordgo.Container{
			Components: []discordgo.MessageComponent{
				discordgo.TextDisplay{
					Content: text,
				},
			},
			AccentColor: color.ToInt(),
		},
	}, true
}

func startedChanged(before, curr models.Session) bool {
	b, bok := before.StartedAt()
	c, cok := curr.StartedAt()
	if !cok {
		return false
	}
	return !bok || !b.Equal(c) || before.CurrentPhase() != curr.CurrentPhase()
}

func timerBar(s models.Session) string {
	const length = 20
	if s.IsOvertime() || s.TimeLeftSeconds() <= 0 || s.TotalTimeSeconds() <= 0 {
		return strings.Repeat(timerBarEmptyChar, length)
	}
	percentage := float64(s.TimeLeftSeconds()) / float64(s.TotalTimeSeconds())
	filled := min(int(math.Round(percentage*length*10)/10), length)
	return strings.Repeat(timerBarFilledChar, filled) + strings.Repeat(timerBarEmptyChar, length-filled)
}

func formatSeconds(secs int) string {
	if secs%60 == 0 {
		return fmt.Sprintf("%d min", secs/60)
	}
	return fmt.Sprintf("%d:%02d", secs/60, secs%60)
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
