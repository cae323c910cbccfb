package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	htmltemplate "html/template"
	"text/template"
	"time"

	"dhtlogger/models"

	"go.uber.org/zap"
)

// ErrNoChannels is returned by Dispatch when no delivery channel is configured.
var ErrNoChannels = errors.New("no notification channels configured")

// Channel delivers a rendered notification.
type Channel interface {
	Name() string
	Send(ctx context.Context, n models.Notification) error
}

const subjectTemplate = `⚠️ Threshold exceeded on {{.DeviceID}} ⚠️`

const textTemplate = `Hello,

A temperature or humidity threshold was exceeded.

Device: {{.DeviceID}}
Time: {{.Time}}

Temperature: {{printf "%.1f" .Temperature}} °C (allowed {{printf "%.1f" .TempMin}} to {{printf "%.1f" .TempMax}})
Humidity: {{printf "%.1f" .Humidity}} % (allowed {{printf "%.1f" .HumidityMin}} to {{printf "%.1f" .HumidityMax}})

Violations:
{{range .Violations}}- {{.Title}}: {{.Description}}
{{end}}
Further alerts are held back for {{.Window}}.
`

const htmlTemplate = `<html>
<body style="font-family:'Segoe UI',Roboto,sans-serif;background-color:#f4f4f4;margin:0;padding:0;">
  <div style="max-width:600px;margin:30px auto;background:white;border-radius:10px;overflow:hidden;">
    <div style="background:#d93025;padding:24px 0;text-align:center;">
      {{if .LogoURL}}<img src="{{.LogoURL}}" alt="Logo" style="max-height:40px;max-width:120px;margin-bottom:20px;">{{end}}
      <h1 style="color:white;margin:0;font-size:2em;">Threshold exceeded</h1>
    </div>
    <div style="padding:32px 24px 24px 24px;">
      <p style="font-size:16px;color:#555;">Device <b>{{.DeviceID}}</b> reported at {{.Time}}:</p>
      <table style="width:100%;border-collapse:collapse;margin:20px 0;">
        <thead>
          <tr>
            <th style="background:#d93025;color:white;padding:10px;">Metric</th>
            <th style="background:#d93025;color:white;padding:10px;">Value</th>
            <th style="background:#d93025;color:white;padding:10px;">Min</th>
            <th style="background:#d93025;color:white;padding:10px;">Max</th>
          </tr>
        </thead>
        <tbody>
          <tr>
            <td style="padding:10px;text-align:center;">🌡️ Temperature (°C)</td>
            <td style="padding:10px;text-align:center;">{{printf "%.1f" .Temperature}}</td>
            <td style="padding:10px;text-align:center;">{{printf "%.1f" .TempMin}}</td>
            <td style="padding:10px;text-align:center;">{{printf "%.1f" .TempMax}}</td>
          </tr>
          <tr>
            <td style="padding:10px;text-align:center;">💧 Humidity (%)</td>
            <td style="padding:10px;text-align:center;">{{printf "%.1f" .Humidity}}</td>
            <td style="padding:10px;text-align:center;">{{printf "%.1f" .HumidityMin}}</td>
            <td style="padding:10px;text-align:center;">{{printf "%.1f" .HumidityMax}}</td>
          </tr>
        </tbody>
      </table>
      <ul>{{range .Violations}}<li>{{.Emoji}} <b>{{.Title}}</b>: {{.Description}}</li>{{end}}</ul>
    </div>
  </div>
</body>
</html>`

// AlertData provides fields for rendering alert notifications.
type AlertData struct {
	DeviceID    string
	Time        string
	Temperature float64
	Humidity    float64
	TempMin     float64
	TempMax     float64
	HumidityMin float64
	HumidityMax float64
	Violations  []*models.Violation
	Window      time.Duration
	LogoURL     string
}

// Dispatcher renders alert notifications and fans them out to channels.
type Dispatcher struct {
	channels []Channel
	subject  *template.Template
	text     *template.Template
	html     *htmltemplate.Template
	logoURL  string
	window   time.Duration
	logger   *zap.Logger
}

func NewDispatcher(channels []Channel, logoURL string, window time.Duration, logger *zap.Logger) (*Dispatcher, error) {
	subject, err := template.New("alert-subject").Parse(subjectTemplate)
	if err != nil {
		return nil, err
	}
	text, err := template.New("alert-text").Parse(textTemplate)
	if err != nil {
		return nil, err
	}
	html, err := htmltemplate.New("alert-html").Parse(htmlTemplate)
	if err != nil {
		return nil, err
	}
	return &Dispatcher{
		channels: channels,
		subject:  subject,
		text:     text,
		html:     html,
		logoURL:  logoURL,
		window:   window,
		logger:   logger,
	}, nil
}

// Render builds the notification for a breach report.
func (d *Dispatcher) Render(check models.AlertCheck) (models.Notification, error) {
	if check.Measurement == nil || check.Thresholds == nil {
		return models.Notification{}, errors.New("render alert: measurement and thresholds are required")
	}
	data := AlertData{
		DeviceID:    check.Measurement.DeviceID,
		Time:        check.Measurement.Timestamp.Format("2006-01-02 15:04:05 MST"),
		Temperature: check.Measurement.Temperature,
		Humidity:    check.Measurement.Humidity,
		TempMin:     check.Thresholds.TemperatureMin,
		TempMax:     check.Thresholds.TemperatureMax,
		HumidityMin: check.Thresholds.HumidityMin,
		HumidityMax: check.Thresholds.HumidityMax,
		Violations:  check.Violations,
		Window:      d.window,
		LogoURL:     d.logoURL,
	}

	var subject, text, html bytes.Buffer
	if err := d.subject.Execute(&subject, data); err != nil {
		return models.Notification{}, fmt.Errorf("render subject: %w", err)
	}
	if err := d.text.Execute(&text, data); err != nil {
		return models.Notification{}, fmt.Errorf("render text: %w", err)
	}
	if err := d.html.Execute(&html, data); err != nil {
		return models.Notification{}, fmt.Errorf("render html: %w", err)
	}
	return models.Notification{
		Subject: subject.String(),
		Text:    text.String(),
		HTML:    html.String(),
		Check:   &check,
	}, nil
}

// Dispatch sends the alert on every channel. It succeeds when at least one
// channel delivered.
func (d *Dispatcher) Dispatch(ctx context.Context, check models.AlertCheck) error {
	if len(d.channels) == 0 {
		return ErrNoChannels
	}
	n, err := d.Render(check)
	if err != nil {
		return err
	}

	var errs []error
	delivered := 0
	for _, ch := range d.channels {
		if err := ch.Send(ctx, n); err != nil {
			d.logger.Error("Notification channel failed",
				zap.String("channel", ch.Name()),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", ch.Name(), err))
			continue
		}
		delivered++
		d.logger.Info("Notification delivered", zap.String("channel", ch.Name()))
	}
	if delivered == 0 {
		return fmt.Errorf("all notification channels failed: %w", errors.Join(errs...))
	}
	return nil
}
