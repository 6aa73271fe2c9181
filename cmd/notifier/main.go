// Command notifier consumes queued notification messages from RabbitMQ,
// renders the matching email template and delivers it through the mail
// provider. Messages that fail to parse are dropped; delivery failures are
// nacked without requeue so a broken recipient cannot wedge the queue.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/example/vtc-dispatch/internal/logging"
	"github.com/example/vtc-dispatch/internal/notify"
)

var (
	mailsDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notifier_mails_delivered_total",
		Help: "Total emails delivered",
	})
	mailsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notifier_mails_failed_total",
		Help: "Total email delivery failures",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notifier_messages_invalid_total",
		Help: "Total malformed queue messages dropped",
	})
)

func init() {
	prometheus.MustRegister(mailsDelivered, mailsFailed, msgsInvalid)
}

func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	_ = godotenv.Load()

	logger := logging.NewLogger(os.Getenv("LOG_LEVEL"))

	amqpURL := os.Getenv("AMQP_URL")
	if amqpURL == "" {
		amqpURL = os.Getenv("RABBITMQ_URL")
	}
	if amqpURL == "" {
		logger.Error("AMQP_URL not set")
		os.Exit(1)
	}
	queue := os.Getenv("MAIL_QUEUE")
	if queue == "" {
		queue = "notifications"
	}
	adminEmail := os.Getenv("ADMIN_EMAIL")
	from := os.Getenv("MAIL_FROM")
	if from == "" {
		from = "noreply@vtc-dispatch.example"
	}
	mailer := notify.NewMailer(os.Getenv("MAIL_ENDPOINT"), os.Getenv("MAIL_API_KEY"), from)
	if mailer.APIKey == "" {
		logger.Warn("MAIL_API_KEY not set, deliveries will fail")
	}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		logger.Info("metrics/health listening", "addr", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("notifier consuming", "queue", queue)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			logger.Info("shutting down notifier")
			return
		}
		if err := consume(ctx, logger, amqpURL, queue, mailer, adminEmail); err != nil {
			logger.Error("consume loop error", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
	}
}

// consume holds one AMQP connection open and processes deliveries until the
// context is cancelled or the connection breaks.
func consume(ctx context.Context, logger *slog.Logger, url, queue string, mailer *notify.Mailer, adminEmail string) error {
	conn, err := amqp.Dial(url)
	if err != nil {
		return err
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return err
	}
	if err := ch.Qos(10, 0, false); err != nil {
		return err
	}

	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return amqp.ErrClosed
			}
			handleDelivery(ctx, logger, mailer, adminEmail, d)
		}
	}
}

func handleDelivery(ctx context.Context, logger *slog.Logger, mailer *notify.Mailer, adminEmail string, d amqp.Delivery) {
	var msg notify.Message
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		msgsInvalid.Inc()
		logger.Warn("dropping malformed message", "error", err)
		_ = d.Nack(false, false)
		return
	}

	to := notify.Recipients(msg.Payload, adminEmail)
	if len(to) == 0 {
		msgsInvalid.Inc()
		logger.Warn("no recipient for message", "event", msg.Event)
		_ = d.Ack(false)
		return
	}

	subject, body := notify.RenderTemplate(msg.Event, msg.Payload)
	sendCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := mailer.Send(sendCtx, to, subject, body); err != nil {
		mailsFailed.Inc()
		logger.Error("mail delivery failed", "event", msg.Event, "to", to, "error", err)
		_ = d.Nack(false, false)
		return
	}
	mailsDelivered.Inc()
	logger.Info("mail delivered", "event", msg.Event, "to", to)
	_ = d.Ack(false)
}
