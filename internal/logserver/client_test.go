package logserver

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"
)

func TestMessageMarshalUnmarshal(t *testing.T) {
	tests := []struct {
		name    string
		cmd     Command
		data    uint32
		logname string
	}{
		{
			name:    "simple command",
			cmd:     CmdSetLevel,
			data:    7,
			logname: "TestLog",
		},
		{
			name:    "filter mode with regexp",
			cmd:     CmdFilterMode,
			data:    0,
			logname: "MyProcess.*",
		},
		{
			name:    "empty logname",
			cmd:     CmdList,
			data:    0,
			logname: "",
		},
		{
			name:    "max length logname",
			cmd:     CmdAddLevel,
			data:    255,
			logname: string(bytes.Repeat([]byte("a"), MaxLogNameLen)),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := NewMessage(tt.cmd, tt.data, tt.logname)

			// check fields
			if msg.Cmd != tt.cmd {
				t.Errorf("cmd = %v, want %v", msg.Cmd, tt.cmd)
			}
			if msg.Data != tt.data {
				t.Errorf("data = %v, want %v", msg.Data, tt.data)
			}
			if msg.Magic != MagicNum {
				t.Errorf("magic = %v, want %v", msg.Magic, MagicNum)
			}

			// marshal
			data, err := msg.Marshal()
			if err != nil {
				t.Fatalf("Marshal() error = %v", err)
			}

			// check size
			if len(data) != MessageSize {
				t.Errorf("Marshal() len = %v, want %v", len(data), MessageSize)
			}

			// unmarshal
			msg2 := &Message{}
			if err := msg2.Unmarshal(data); err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}

			// compare
			if msg2.Cmd != msg.Cmd {
				t.Errorf("Unmarshal() cmd = %v, want %v", msg2.Cmd, msg.Cmd)
			}
			if msg2.Data != msg.Data {
				t.Errorf("Unmarshal() data = %v, want %v", msg2.Data, msg.Data)
			}
			if msg2.Magic != msg.Magic {
				t.Errorf("Unmarshal() magic = %v, want %v", msg2.Magic, msg.Magic)
			}

			// check logname (truncated to MaxLogNameLen)
			expectedLogname := tt.logname
			if len(expectedLogname) > MaxLogNameLen {
				expectedLogname = expectedLogname[:MaxLogNameLen]
			}
			if msg2.GetLogName() != expectedLogname {
				t.Errorf("Unmarshal() logname = %v, want %v", msg2.GetLogName(), expectedLogname)
			}
		})
	}
}

func TestMessageUnmarshalInvalidMagic(t *testing.T) {
	data := make([]byte, MessageSize)
	// write an invalid magic
	data[1] = 0xFF
	data[2] = 0xFF
	data[3] = 0xFF
	data[4] = 0xFF

	msg := &Message{}
	err := msg.Unmarshal(data)
	if err == nil {
		t.Error("Unmarshal() should fail with invalid magic")
	}
}

func TestMessageUnmarshalTooShort(t *testing.T) {
	data := make([]byte, 10) // too short a buffer

	msg := &Message{}
	err := msg.Unmarshal(data)
	if err == nil {
		t.Error("Unmarshal() should fail with too short data")
	}
}

func TestCommandString(t *testing.T) {
	tests := []struct {
		cmd  Command
		want string
	}{
		{CmdNOP, "NOP"},
		{CmdSetLevel, "SetLevel"},
		{CmdAddLevel, "AddLevel"},
		{CmdDelLevel, "DelLevel"},
		{CmdFilterMode, "FilterMode"},
		{CmdList, "List"},
		{Command(99), "Unknown(99)"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.cmd.String(); got != tt.want {
				t.Errorf("Command.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClientConnectDisconnect(t *testing.T) {
	// start a test TCP server
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to create test server: %v", err)
	}
	defer listener.Close()

	addr := listener.Addr().(*net.TCPAddr)

	// accept the connection in a goroutine
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		// keep the connection open
		time.Sleep(time.Second)
	}()

	// create the client
	config := &ClientConfig{
		Host:           "127.0.0.1",
		Port:           addr.Port,
		ConnectTimeout: 1000,
		ReadTimeout:    1000,
		WriteTimeout:   1000,
		ReconnectDelay: 100,
	}
	client := NewClient(config, nil)

	// connect
	if err := client.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	// check status
	if !client.IsConnected() {
		t.Error("IsConnected() = false after Connect()")
	}

	status := client.GetStatus()
	if !status.Connected {
		t.Error("GetStatus().Connected = false after Connect()")
	}

	// disconnect
	client.Disconnect()

	if client.IsConnected() {
		t.Error("IsConnected() = true after Disconnect()")
	}
}

func TestClientSendCommand(t *testing.T) {
	// start a test TCP server
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to create test server: %v", err)
	}
	defer listener.Close()

	addr := listener.Addr().(*net.TCPAddr)

	// channel to receive the data written
	received := make(chan []byte, 1)

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		buf := make([]byte, MessageSize)
		n, _ := conn.Read(buf)
		received <- buf[:n]
	}()

	// create the client and connect
	config := &ClientConfig{
		Host:           "127.0.0.1",
		Port:           addr.Port,
		ConnectTimeout: 1000,
		WriteTimeout:   1000,
	}
	client := NewClient(config, nil)
	defer client.Close()

	if err := client.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	// send the command
	if err := client.SendCommand(CmdSetLevel, 7, "TestLog"); err != nil {
		t.Fatalf("SendCommand() error = %v", err)
	}

	// check the received data
	select {
	case data := <-received:
		if len(data) != MessageSize {
			t.Errorf("Received %d bytes, want %d", len(data), MessageSize)
		}

		// unmarshal and check
		msg := &Message{}
		if err := msg.Unmarshal(data); err != nil {
			t.Fatalf("Unmarshal() error = %v", err)
		}

		if msg.Cmd != CmdSetLevel {
			t.Errorf("Received cmd = %v, want %v", msg.Cmd, CmdSetLevel)
		}
		if msg.Data != 7 {
			t.Errorf("Received data = %v, want 7", msg.Data)
		}
		if msg.GetLogName() != "TestLog" {
			t.Errorf("Received logname = %v, want TestLog", msg.GetLogName())
		}

	case <-time.After(time.Second):
		t.Error("Timeout waiting for data")
	}
}

func TestClientReadLogs(t *testing.T) {
	// start a test TCP server
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to create test server: %v", err)
	}
	defer listener.Close()

	addr := listener.Addr().(*net.TCPAddr)

	testLines := []string{
		"2024-01-01 12:00:00 INFO Test message 1\n",
		"2024-01-01 12:00:01 WARN Test message 2\n",
		"2024-01-01 12:00:02 ERROR Test message 3\n",
	}

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		// write the test lines
		for _, line := range testLines {
			conn.Write([]byte(line))
			time.Sleep(10 * time.Millisecond)
		}
	}()

	// create the client
	config := &ClientConfig{
		Host:           "127.0.0.1",
		Port:           addr.Port,
		ConnectTimeout: 1000,
		ReadTimeout:    500,
	}
	client := NewClient(config, nil)

	if err := client.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	// read the logs
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var receivedLines []string
	mu := &struct{}{}
	_ = mu

	done := make(chan struct{})
	go func() {
		client.ReadLogs(ctx, func(line string) {
			receivedLines = append(receivedLines, line)
			if len(receivedLines) >= len(testLines) {
				cancel()
			}
		})
		close(done)
	}()

	<-done
	client.Close()

	// check the received lines
	if len(receivedLines) != len(testLines) {
		t.Errorf("Received %d lines, want %d", len(receivedLines), len(testLines))
	}

	for i, line := range receivedLines {
		if line != testLines[i] {
			t.Errorf("Line %d = %q, want %q", i, line, testLines[i])
		}
	}
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.Host != "localhost" {
		t.Errorf("Host = %v, want localhost", config.Host)
	}
	if config.Port != 3333 {
		t.Errorf("Port = %v, want 3333", config.Port)
	}
	if config.ConnectTimeout != 10000 {
		t.Errorf("ConnectTimeout = %v, want 10000", config.ConnectTimeout)
	}
	if config.ReconnectDelay != 5000 {
		t.Errorf("ReconnectDelay = %v, want 5000", config.ReconnectDelay)
	}
}
