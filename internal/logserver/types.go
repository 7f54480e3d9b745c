package logserver

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// MagicNum is the LogServer wire protocol's magic number.
const MagicNum uint32 = 20201222

// MaxLogNameLen is the longest logname the wire format carries.
const MaxLogNameLen = 120

// MessageSize is the on-wire size of Message in bytes.
const MessageSize = 131 // 1 + 4 + 4 + 1 + 121

// Command is a LogServer control command.
type Command uint8

const (
	CmdNOP                 Command = 0  // no-op
	CmdSetLevel            Command = 1  // set the output level mask
	CmdAddLevel            Command = 2  // OR a level into the mask
	CmdDelLevel            Command = 3  // clear a level from the mask
	CmdRotate              Command = 4  // recreate the log file
	CmdOffLogFile          Command = 5  // disable writing to the log file
	CmdOnLogFile           Command = 6  // enable writing to the log file
	CmdSetVerbosity        Command = 7  // set the verbosity level
	CmdSaveLogLevel        Command = 8  // save the current log level state
	CmdRestoreLogLevel     Command = 9  // restore a previously saved log level state
	CmdList                Command = 10 // list the logs under control
	CmdFilterMode          Command = 11 // filter by logname (regexp)
	CmdViewDefaultLogLevel Command = 12 // show the default log levels
	CmdShowLocalTime       Command = 13 // render timestamps in local time
	CmdShowUTCTime         Command = 14 // render timestamps in UTC
)

// String returns the command's name.
func (c Command) String() string {
	switch c {
	case CmdNOP:
		return "NOP"
	case CmdSetLevel:
		return "SetLevel"
	case CmdAddLevel:
		return "AddLevel"
	case CmdDelLevel:
		return "DelLevel"
	case CmdRotate:
		return "Rotate"
	case CmdOffLogFile:
		return "OffLogFile"
	case CmdOnLogFile:
		return "OnLogFile"
	case CmdSetVerbosity:
		return "SetVerbosity"
	case CmdSaveLogLevel:
		return "SaveLogLevel"
	case CmdRestoreLogLevel:
		return "RestoreLogLevel"
	case CmdList:
		return "List"
	case CmdFilterMode:
		return "FilterMode"
	case CmdViewDefaultLogLevel:
		return "ViewDefaultLogLevel"
	case CmdShowLocalTime:
		return "ShowLocalTime"
	case CmdShowUTCTime:
		return "ShowUTCTime"
	default:
		return fmt.Sprintf("Unknown(%d)", c)
	}
}

// LogLevel is a bitmask of LogServer verbosity levels.
type LogLevel uint32

const (
	LevelNone   LogLevel = 0
	LevelCrit   LogLevel = 1 << 0 // critical
	LevelWarn   LogLevel = 1 << 1 // warning
	LevelInfo   LogLevel = 1 << 2 // info
	LevelLevel1 LogLevel = 1 << 3
	LevelLevel2 LogLevel = 1 << 4
	LevelLevel3 LogLevel = 1 << 5
	LevelLevel4 LogLevel = 1 << 6
	LevelLevel5 LogLevel = 1 << 7
	LevelLevel6 LogLevel = 1 << 8
	LevelLevel7 LogLevel = 1 << 9
	LevelLevel8 LogLevel = 1 << 10
	LevelLevel9 LogLevel = 1 << 11
	LevelAny    LogLevel = 0xFFFFFFFF
)

// Message is the lsMessage wire frame the LogServer protocol exchanges.
// It matches the C++ structure:
//
//	struct lsMessage {
//	    uint8_t _be_order;     // 1=big-endian, 0=little-endian
//	    uint32_t magic;        // = 20201222
//	    uint32_t data;         // command argument
//	    uint8_t cmd;           // command
//	    char logname[121];     // logname (regexp)
//	} __attribute__((packed));
type Message struct {
	ByteOrder uint8                    // 1=big-endian, 0=little-endian
	Magic     uint32                   // = MagicNum (20201222)
	Data      uint32                   // command argument (log level mask, etc.)
	Cmd       Command                  // command
	LogName   [MaxLogNameLen + 1]byte // logname (regexp), null-terminated
}

// NewMessage builds a Message with the given command, argument and logname.
func NewMessage(cmd Command, data uint32, logname string) *Message {
	m := &Message{
		ByteOrder: 0, // little-endian (x86/x64)
		Magic:     MagicNum,
		Data:      data,
		Cmd:       cmd,
	}
	m.SetLogName(logname)
	return m
}

// SetLogName sets the logname field, truncating to MaxLogNameLen.
func (m *Message) SetLogName(name string) {
	for i := range m.LogName {
		m.LogName[i] = 0
	}
	n := len(name)
	if n > MaxLogNameLen {
		n = MaxLogNameLen
	}
	copy(m.LogName[:n], name)
}

// GetLogName returns the logname field as a string, trimmed at its first
// null byte.
func (m *Message) GetLogName() string {
	for i, b := range m.LogName {
		if b == 0 {
			return string(m.LogName[:i])
		}
	}
	return string(m.LogName[:])
}

// Marshal encodes the message as little-endian wire bytes.
func (m *Message) Marshal() ([]byte, error) {
	buf := new(bytes.Buffer)

	if err := binary.Write(buf, binary.LittleEndian, m.ByteOrder); err != nil {
		return nil, fmt.Errorf("write byte_order: %w", err)
	}

	if err := binary.Write(buf, binary.LittleEndian, m.Magic); err != nil {
		return nil, fmt.Errorf("write magic: %w", err)
	}

	if err := binary.Write(buf, binary.LittleEndian, m.Data); err != nil {
		return nil, fmt.Errorf("write data: %w", err)
	}

	if err := binary.Write(buf, binary.LittleEndian, m.Cmd); err != nil {
		return nil, fmt.Errorf("write cmd: %w", err)
	}

	// fixed-size 121-byte logname field
	if _, err := buf.Write(m.LogName[:]); err != nil {
		return nil, fmt.Errorf("write logname: %w", err)
	}

	return buf.Bytes(), nil
}

// Unmarshal decodes a Message from wire bytes, rejecting frames whose magic
// number doesn't match.
func (m *Message) Unmarshal(data []byte) error {
	if len(data) < MessageSize {
		return fmt.Errorf("data too short: got %d, need %d", len(data), MessageSize)
	}

	buf := bytes.NewReader(data)

	if err := binary.Read(buf, binary.LittleEndian, &m.ByteOrder); err != nil {
		return fmt.Errorf("read byte_order: %w", err)
	}

	if err := binary.Read(buf, binary.LittleEndian, &m.Magic); err != nil {
		return fmt.Errorf("read magic: %w", err)
	}

	if m.Magic != MagicNum {
		return fmt.Errorf("invalid magic: got %d, expected %d", m.Magic, MagicNum)
	}

	if err := binary.Read(buf, binary.LittleEndian, &m.Data); err != nil {
		return fmt.Errorf("read data: %w", err)
	}

	if err := binary.Read(buf, binary.LittleEndian, &m.Cmd); err != nil {
		return fmt.Errorf("read cmd: %w", err)
	}

	if _, err := buf.Read(m.LogName[:]); err != nil {
		return fmt.Errorf("read logname: %w", err)
	}

	return nil
}

// ClientConfig configures a LogServer Client.
type ClientConfig struct {
	Host           string // LogServer host
	Port           int    // LogServer port
	ConnectTimeout int    // connect timeout (ms)
	ReadTimeout    int    // read timeout (ms)
	WriteTimeout   int    // write timeout (ms)
	ReconnectDelay int    // delay between reconnect attempts (ms)
}

// DefaultConfig returns the default LogServer client configuration.
func DefaultConfig() *ClientConfig {
	return &ClientConfig{
		Host:           "localhost",
		Port:           3333,
		ConnectTimeout: 10000,
		ReadTimeout:    10000,
		WriteTimeout:   6000,
		ReconnectDelay: 5000,
	}
}

// LogEntry is one parsed log line.
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Logger    string `json:"logger"`
	Message   string `json:"message"`
	Raw       string `json:"raw"` // the original line
}

// ConnectionStatus is a LogServer connection's current status.
type ConnectionStatus struct {
	Connected      bool   `json:"connected"`
	Host           string `json:"host"`
	Port           int    `json:"port"`
	LastError      string `json:"lastError,omitempty"`
	ReconnectCount int    `json:"reconnectCount"`
}
