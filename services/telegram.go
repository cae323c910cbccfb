package services

import (
	"context"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	"dhtlogger/config"
	"dhtlogger/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

type telegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramChannel posts alerts to a Telegram chat.
type TelegramChannel struct {
	bot    telegramSender
	chatID int64
	window time.Duration
	logger *zap.Logger
}

func NewTelegramChannel(cfg *config.Config, logger *zap.Logger) (*TelegramChannel, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.TelegramBotToken)
	if err != nil {
		return nil, fmt.Errorf("error creating telegram bot: %w", err)
	}

	chatID, err := strconv.ParseInt(cfg.TelegramChatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("error parsing chat ID: %w", err)
	}

	logger.Info("Telegram bot authorized", zap.String("username", bot.Self.UserName))

	if err := testTelegramConnection(bot, logger); err != nil {
		logger.Error("Telegram connection test failed", zap.Error(err))
		return nil, fmt.Errorf("telegram connection test failed: %w", err)
	}

	return &TelegramChannel{
		bot:    bot,
		chatID: chatID,
		window: cfg.AlertDebounceWindow,
		logger: logger,
	}, nil
}

// testTelegramConnection tests Telegram connection with retry logic
func testTelegramConnection(bot *tgbotapi.BotAPI, logger *zap.Logger) error {
	maxRetries := 3

	for attempt := 1; attempt <= maxRetries; attempt++ {
		logger.Info("Testing Telegram connection", zap.Int("attempt", attempt), zap.Int("max_retries", maxRetries))

		_, err := bot.GetMe()
		if err == nil {
			logger.Info("Telegram connection successful")
			return nil
		}

		logger.Warn("Telegram connection failed",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", maxRetries),
			zap.Error(err))

		if attempt < maxRetries {
			time.Sleep(time.Duration(attempt) * time.Second)
		}
	}

	return fmt.Errorf("failed to connect to Telegram after %d attempts", maxRetries)
}

func (ts *TelegramChannel) Name() string { return "telegram" }

// Send ignores the rendered mail bodies and formats a chat message from the
// breach report.
func (ts *TelegramChannel) Send(_ context.Context, n models.Notification) error {
	text := n.Subject
	if n.Check != nil {
		text = ts.formatAlertMessage(n.Check)
	}

	msg := tgbotapi.NewMessage(ts.chatID, text)
	msg.ParseMode = "HTML"
	msg.DisableWebPagePreview = true

	if _, err := ts.bot.Send(msg); err != nil {
		return fmt.Errorf("error sending telegram message: %w", err)
	}
	return nil
}

// SendStartupMessage announces that monitoring is running.
func (ts *TelegramChannel) SendStartupMessage() error {
	message := "🟢 <b>DHT Logger Started</b>\n\n" +
		"📡 Listening for device readings\n" +
		"🤖 Telegram notifications active\n" +
		fmt.Sprintf("⏱️ Alerts are spaced at least %s apart", formatDuration(ts.window))

	msg := tgbotapi.NewMessage(ts.chatID, message)
	msg.ParseMode = "HTML"
	_, err := ts.bot.Send(msg)
	return err
}

func (ts *TelegramChannel) formatAlertMessage(check *models.AlertCheck) string {
	var sb strings.Builder

	sb.WriteString("🚨 <b>THRESHOLD ALERT</b> 🚨\n\n")

	if m := check.Measurement; m != nil {
		sb.WriteString(fmt.Sprintf("📱 <b>Device:</b> %s\n", html.EscapeString(m.DeviceID)))
		sb.WriteString(fmt.Sprintf("🕐 <b>Time:</b> %s\n\n", m.Timestamp.Format("2006-01-02 15:04:05")))

		sb.WriteString("📊 <b>Current Readings:</b>\n")
		sb.WriteString(fmt.Sprintf("🌡️ Temperature: %.1f°C\n", m.Temperature))
		sb.WriteString(fmt.Sprintf("💧 Humidity: %.1f%%\n\n", m.Humidity))
	}

	if t := check.Thresholds; t != nil {
		sb.WriteString("📏 <b>Allowed Range:</b>\n")
		sb.WriteString(fmt.Sprintf("🌡️ %.1f°C to %.1f°C\n", t.TemperatureMin, t.TemperatureMax))
		sb.WriteString(fmt.Sprintf("💧 %.1f%% to %.1f%%\n\n", t.HumidityMin, t.HumidityMax))
	}

	sb.WriteString("⚠️ <b>Detected Issues:</b>\n")
	for _, v := range check.Violations {
		sb.WriteString(fmt.Sprintf("%s <b>%s</b>\n", v.Emoji(), v.Title()))
		sb.WriteString(fmt.Sprintf("   └ %s\n", v.Description))
	}

	sb.WriteString(fmt.Sprintf("\n🔕 Next alert no sooner than %s from now.", formatDuration(ts.window)))
	return sb.String()
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0f seconds", d.Seconds())
	} else if d < time.Hour {
		minutes := int(d.Minutes())
		seconds := int(d.Seconds()) % 60
		return fmt.Sprintf("%d min %d sec", minutes, seconds)
	} else if d < 24*time.Hour {
		hours := int(d.Hours())
		minutes := int(d.Minutes()) % 60
		return fmt.Sprintf("%d hr %d min", hours, minutes)
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	return fmt.Sprintf("%d days %d hr", days, hours)
}
