package mqtt

import (
	"errors"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

const (
	defaultConnectTimeout = 5 * time.Second
	defaultKeepAlive      = 30 * time.Second
)

// Options describes a broker connection.
type Options struct {
	Brokers  []string
	ClientID string
	Username string
	Password string
	// OnConnect runs after every (re)connect; subscriptions belong here so they
	// survive broker restarts.
	OnConnect func(paho.Client)
}

// NewClient connects to the first reachable broker and returns the paho client.
func NewClient(opts Options) (paho.Client, error) {
	brokers := make([]string, 0, len(opts.Brokers))
	for _, b := range opts.Brokers {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	if len(brokers) == 0 {
		return nil, errors.New("mqtt: no brokers configured")
	}
	if strings.TrimSpace(opts.ClientID) == "" {
		return nil, errors.New("mqtt: client id is empty")
	}

	clientOpts := paho.NewClientOptions()
	for _, b := range brokers {
		clientOpts.AddBroker(b)
	}
	clientOpts.SetClientID(opts.ClientID)
	clientOpts.SetUsername(opts.Username)
	clientOpts.SetPassword(opts.Password)
	clientOpts.SetConnectTimeout(defaultConnectTimeout)
	clientOpts.SetKeepAlive(defaultKeepAlive)
	clientOpts.SetAutoReconnect(true)
	clientOpts.SetCleanSession(true)
	if opts.OnConnect != nil {
		clientOpts.SetOnConnectHandler(opts.OnConnect)
	}

	client := paho.NewClient(clientOpts)
	token := client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		client.Disconnect(0)
		return nil, fmt.Errorf("mqtt: connect timed out after %s", defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connect: %w", err)
	}
	return client, nil
}
