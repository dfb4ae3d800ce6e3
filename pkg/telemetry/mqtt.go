// Package telemetry publishes collar events and status to an MQTT broker.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultTopicPrefix = "collar"
	publishTimeout     = 2 * time.Second
)

// Publisher sends one message to a topic
type Publisher interface {
	Publish(topic string, retained bool, payload []byte) error
	Close()
}

// mqttPublisher is a Publisher backed by a paho client
type mqttPublisher struct {
	client mqtt.Client
}

// Dial connects to broker and returns a Publisher
func Dial(broker string, clientID string) (Publisher, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(5 * time.Second)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", broker, token.Error())
	}
	log.Infof("pkg telemetry; connected to MQTT broker at %s", broker)
	return &mqttPublisher{client: client}, nil
}

func (p *mqttPublisher) Publish(topic string, retained bool, payload []byte) error {
	token := p.client.Publish(topic, 0, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("mqtt publish to %s timed out", topic)
	}
	return token.Error()
}

func (p *mqttPublisher) Close() {
	p.client.Disconnect(250)
}

// Notifier publishes device events as JSON under <prefix>/event/<name>
type Notifier struct {
	pub    Publisher
	prefix string

	mutex     sync.Mutex
	published uint64
	failed    uint64
}

// NewNotifier creates a Notifier; an empty prefix uses DefaultTopicPrefix
func NewNotifier(pub Publisher, prefix string) *Notifier {
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return &Notifier{pub: pub, prefix: prefix}
}

func (n *Notifier) publish(topic string, retained bool, body interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", topic, err)
	}

	err = n.pub.Publish(n.prefix+"/"+topic, retained, payload)

	n.mutex.Lock()
	if err != nil {
		n.failed++
	} else {
		n.published++
	}
	n.mutex.Unlock()
	return err
}

func (n *Notifier) event(name string, fields map[string]interface{}) error {
	fields["event"] = name
	fields["time"] = time.Now().UTC().Format(time.RFC3339Nano)
	return n.publish("event/"+name, false, fields)
}

func (n *Notifier) NotifyRecordingStarted(uid string, mode string) error {
	return n.event("recording_started", map[string]interface{}{"uid": uid, "mode": mode})
}

func (n *Notifier) NotifyRecordingStopped(uid string, mode string, records uint32) error {
	return n.event("recording_stopped", map[string]interface{}{"uid": uid, "mode": mode, "records": records})
}

func (n *Notifier) NotifyRecordDropped(uid string, recordNum uint32, reason error) error {
	fields := map[string]interface{}{"uid": uid, "record": recordNum}
	if reason != nil {
		fields["reason"] = reason.Error()
	}
	return n.event("record_dropped", fields)
}

func (n *Notifier) NotifyChunkRollover(uid string, chunkID uint16) error {
	return n.event("chunk_rollover", map[string]interface{}{"uid": uid, "chunk": chunkID})
}

func (n *Notifier) NotifyTransferComplete(name string, kind string, sent int, gaps int, cancelled bool) error {
	return n.event("transfer_complete", map[string]interface{}{
		"name":      name,
		"kind":      kind,
		"sent":      sent,
		"gaps":      gaps,
		"cancelled": cancelled,
	})
}

func (n *Notifier) NotifyFirmwareUpdate(status string, chunks uint32, bytes uint32) error {
	return n.event("firmware_update", map[string]interface{}{"status": status, "chunks": chunks, "bytes": bytes})
}

// PublishStatus publishes a retained status snapshot under <prefix>/status
func (n *Notifier) PublishStatus(status map[string]interface{}) error {
	return n.publish("status", true, status)
}

// RunStatus publishes snapshot() every interval until ctx is done
func (n *Notifier) RunStatus(ctx context.Context, interval time.Duration, snapshot func() map[string]interface{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := n.PublishStatus(snapshot()); err != nil {
				log.Warnf("pkg telemetry; status publish failed: %v", err)
			}
		}
	}
}

// GetStats returns publish counters
func (n *Notifier) GetStats() map[string]interface{} {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	return map[string]interface{}{
		"published": n.published,
		"failed":    n.failed,
		"prefix":    n.prefix,
	}
}
