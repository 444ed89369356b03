package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/TylerBrock/colorjson"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/fatih/color"
	"github.com/sandrolain/mqtt-relay/src/encdec"
	"github.com/sandrolain/mqtt-relay/src/models"
	"github.com/spf13/cobra"
)

// tailCmd subscribes to the configured topic filter and pretty-prints every
// frame. Nothing is persisted; it is an operations aid.
func tailCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tail",
		Short: "Print broker traffic without persisting it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			formatter := colorjson.NewFormatter()
			formatter.Indent = 2

			opts, err := tailClientOptions(&cfg.MQTT)
			if err != nil {
				return err
			}
			client := mqtt.NewClient(opts)
			if token := client.Connect(); token.Wait() && token.Error() != nil {
				return fmt.Errorf("cannot connect to MQTT broker %s: %w", cfg.MQTT.Address, token.Error())
			}
			defer client.Disconnect(250)

			handler := func(_ mqtt.Client, msg mqtt.Message) {
				printFrame(formatter, msg.Topic(), msg.Payload())
			}
			qos := byte(cfg.MQTT.QoS) // #nosec G115 - validated range 0..2
			if token := client.Subscribe(cfg.MQTT.Topic, qos, handler); token.Wait() && token.Error() != nil {
				return fmt.Errorf("cannot subscribe to %q: %w", cfg.MQTT.Topic, token.Error())
			}
			fmt.Printf("%s %s\n", color.HiBlackString("tailing"), color.CyanString(cfg.MQTT.Topic))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()
			return nil
		},
	}
}

func tailClientOptions(cfg *models.MQTTConfig) (*mqtt.ClientOptions, error) {
	scheme := "tcp"
	tlsCfg, err := cfg.TLS.BuildClientConfig()
	if err != nil {
		return nil, err
	}
	if tlsCfg != nil {
		scheme = "ssl"
	}
	opts := mqtt.NewClientOptions().
		AddBroker(scheme + "://" + cfg.Address).
		SetClientID("mqtt-relay-tail-" + fmt.Sprint(time.Now().UnixNano())).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetCleanSession(true)
	if tlsCfg != nil {
		opts.SetTLSConfig(tlsCfg)
	}
	return opts, nil
}

// printFrame renders JSON payloads colorized and anything else verbatim.
func printFrame(formatter *colorjson.Formatter, topic string, payload []byte) {
	stamp := color.HiBlackString(time.Now().UTC().Format(time.RFC3339))
	header := fmt.Sprintf("%s %s", stamp, color.CyanString(topic))

	decoded := encdec.MaybeJSON(string(payload))
	if _, isString := decoded.(string); !isString {
		if pretty, err := formatter.Marshal(decoded); err == nil {
			fmt.Printf("%s\n%s\n", header, pretty)
			return
		}
	}
	fmt.Printf("%s %s\n", header, payload)
}
