package logserver

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// LogCallback receives one log line read from a LogServer connection.
type LogCallback func(line string)

// Client is a connection to a UniSet2 LogServer instance.
type Client struct {
	config *ClientConfig
	conn   net.Conn
	mu     sync.RWMutex

	connected      bool
	reconnectCount int
	lastError      string

	// cancel stops the in-flight ReadLogs call.
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *slog.Logger
}

// NewClient creates a LogServer client over config, defaulting both config
// and logger when nil.
func NewClient(config *ClientConfig, logger *slog.Logger) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		config: config,
		logger: logger,
	}
}

// Connect dials the LogServer, reusing an already-open connection if one
// exists.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected && c.conn != nil {
		return nil // already connected
	}

	addr := fmt.Sprintf("%s:%d", c.config.Host, c.config.Port)
	timeout := time.Duration(c.config.ConnectTimeout) * time.Millisecond

	c.logger.Info("connecting to LogServer", "addr", addr, "timeout", timeout)

	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		c.lastError = err.Error()
		c.logger.Error("failed to connect to LogServer", "addr", addr, "error", err)
		return fmt.Errorf("connect to %s: %w", addr, err)
	}

	c.conn = conn
	c.connected = true
	c.lastError = ""

	c.logger.Info("connected to LogServer", "addr", addr)
	return nil
}

// Disconnect closes the connection and stops the read goroutine.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	// stop the read goroutine
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connected = false

	c.logger.Info("disconnected from LogServer")
}

// IsConnected reports whether the client currently holds an open
// connection.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// GetStatus returns a snapshot of the connection's current status.
func (c *Client) GetStatus() *ConnectionStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return &ConnectionStatus{
		Connected:      c.connected,
		Host:           c.config.Host,
		Port:           c.config.Port,
		LastError:      c.lastError,
		ReconnectCount: c.reconnectCount,
	}
}

// SendCommand marshals and writes one command frame to the LogServer.
func (c *Client) SendCommand(cmd Command, data uint32, logname string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected || c.conn == nil {
		return fmt.Errorf("not connected to LogServer")
	}

	msg := NewMessage(cmd, data, logname)
	msgBytes, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	// apply the write deadline
	if c.config.WriteTimeout > 0 {
		deadline := time.Now().Add(time.Duration(c.config.WriteTimeout) * time.Millisecond)
		c.conn.SetWriteDeadline(deadline)
	}

	n, err := c.conn.Write(msgBytes)
	if err != nil {
		c.lastError = err.Error()
		return fmt.Errorf("write command: %w", err)
	}

	if n != len(msgBytes) {
		return fmt.Errorf("incomplete write: wrote %d of %d bytes", n, len(msgBytes))
	}

	c.logger.Debug("sent command", "cmd", cmd.String(), "data", data, "logname", logname)
	return nil
}

// ReadLogs reads lines off the LogServer connection and invokes callback
// for each one. It runs until ctx is cancelled or the connection fails.
func (c *Client) ReadLogs(ctx context.Context, callback LogCallback) error {
	c.mu.Lock()
	if !c.connected || c.conn == nil {
		c.mu.Unlock()
		return fmt.Errorf("not connected to LogServer")
	}

	// derive a cancellable context for this read loop
	readCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	conn := c.conn
	c.mu.Unlock()

	c.wg.Add(1)
	defer c.wg.Done()

	reader := bufio.NewReader(conn)

	for {
		select {
		case <-readCtx.Done():
			return readCtx.Err()
		default:
		}

		// apply the read deadline
		if c.config.ReadTimeout > 0 {
			deadline := time.Now().Add(time.Duration(c.config.ReadTimeout) * time.Millisecond)
			conn.SetReadDeadline(deadline)
		}

		line, err := reader.ReadString('\n')
		if err != nil {
			// the context may have been cancelled while we were blocked in Read
			select {
			case <-readCtx.Done():
				return readCtx.Err()
			default:
			}

			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				// a read deadline expiring isn't a connection failure
				continue
			}

			c.mu.Lock()
			c.lastError = err.Error()
			c.connected = false
			c.mu.Unlock()

			c.logger.Error("log read failed", "error", err)
			return fmt.Errorf("read logs: %w", err)
		}

		if len(line) > 0 && callback != nil {
			callback(line)
		}
	}
}

// StartReadingWithReconnect runs ReadLogs in a goroutine, reconnecting with
// config.ReconnectDelay between attempts on any failure, until ctx is
// cancelled.
func (c *Client) StartReadingWithReconnect(ctx context.Context, callback LogCallback) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		for {
			select {
			case <-ctx.Done():
				c.logger.Info("stopping log reader")
				return
			default:
			}

			// (re)connect if we aren't already
			if !c.IsConnected() {
				if err := c.Connect(); err != nil {
					c.mu.Lock()
					c.reconnectCount++
					c.mu.Unlock()

					c.logger.Warn("reconnect failed, retrying",
						"error", err,
						"delay", c.config.ReconnectDelay,
						"count", c.reconnectCount)

					select {
					case <-ctx.Done():
						return
					case <-time.After(time.Duration(c.config.ReconnectDelay) * time.Millisecond):
						continue
					}
				}
			}

			if err := c.ReadLogs(ctx, callback); err != nil {
				if ctx.Err() != nil {
					return
				}

				c.logger.Warn("log reading stopped, will reconnect",
					"error", err,
					"delay", c.config.ReconnectDelay)

				// close out before the next reconnect attempt
				c.Disconnect()

				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Duration(c.config.ReconnectDelay) * time.Millisecond):
					continue
				}
			}
		}
	}()
}

// Wait blocks until every goroutine the client started has returned.
func (c *Client) Wait() {
	c.wg.Wait()
}

// Close disconnects and releases the client's resources.
func (c *Client) Close() {
	c.Disconnect()
	c.Wait()
}

// SetFilter sends a CmdFilterMode command restricting log output to logname.
func (c *Client) SetFilter(logname string) error {
	return c.SendCommand(CmdFilterMode, 0, logname)
}

// SetLogLevel sets logname's (or the module's default log, if empty) level
// mask to level.
func (c *Client) SetLogLevel(level LogLevel, logname string) error {
	return c.SendCommand(CmdSetLevel, uint32(level), logname)
}

// AddLogLevel ORs level into the current level mask.
func (c *Client) AddLogLevel(level LogLevel, logname string) error {
	return c.SendCommand(CmdAddLevel, uint32(level), logname)
}

// DelLogLevel clears level from the current level mask.
func (c *Client) DelLogLevel(level LogLevel, logname string) error {
	return c.SendCommand(CmdDelLevel, uint32(level), logname)
}

// RequestList asks the LogServer for its list of known logs.
func (c *Client) RequestList(logname string) error {
	return c.SendCommand(CmdList, 0, logname)
}
