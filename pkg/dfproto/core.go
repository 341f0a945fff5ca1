// Package dfproto holds the DFHack core protocol messages and the table of
// remote procedures a client may bind.
package dfproto

import (
	"strings"

	"github.com/kbirk/dfremote/pkg/schema"
	"google.golang.org/protobuf/encoding/protowire"
)

const Namespace = "dfproto"

// CoreBindRequest asks the server for the id of a procedure.
type CoreBindRequest struct {
	Method    string
	InputMsg  string
	OutputMsg string
	// Plugin is empty for procedures served by the core.
	Plugin string
}

func (m *CoreBindRequest) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.Method)
	b = appendString(b, 2, m.InputMsg)
	b = appendString(b, 3, m.OutputMsg)
	if m.Plugin != "" {
		b = appendString(b, 4, m.Plugin)
	}
	return b
}

func (m *CoreBindRequest) Unmarshal(data []byte) error {
	*m = CoreBindRequest{}
	return unmarshalFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var n int
		var err error
		switch num {
		case 1:
			m.Method, n, err = consumeString(typ, b)
		case 2:
			m.InputMsg, n, err = consumeString(typ, b)
		case 3:
			m.OutputMsg, n, err = consumeString(typ, b)
		case 4:
			m.Plugin, n, err = consumeString(typ, b)
		}
		return n, err
	})
}

type CoreBindReply struct {
	AssignedID int32
}

func (m *CoreBindReply) Marshal() []byte {
	return appendInt32(nil, 1, m.AssignedID)
}

func (m *CoreBindReply) Unmarshal(data []byte) error {
	*m = CoreBindReply{}
	return unmarshalFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 {
			return 0, nil
		}
		var n int
		var err error
		m.AssignedID, n, err = consumeInt32(typ, b)
		return n, err
	})
}

type EmptyMessage struct{}

func (m *EmptyMessage) Marshal() []byte {
	return []byte{}
}

func (m *EmptyMessage) Unmarshal(data []byte) error {
	return unmarshalFields(data, func(protowire.Number, protowire.Type, []byte) (int, error) {
		return 0, nil
	})
}

type IntMessage struct {
	Value int32
}

func (m *IntMessage) Marshal() []byte {
	return appendInt32(nil, 1, m.Value)
}

func (m *IntMessage) Unmarshal(data []byte) error {
	*m = IntMessage{}
	return unmarshalFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 {
			return 0, nil
		}
		var n int
		var err error
		m.Value, n, err = consumeInt32(typ, b)
		return n, err
	})
}

type StringMessage struct {
	Value string
}

func (m *StringMessage) Marshal() []byte {
	return appendString(nil, 1, m.Value)
}

func (m *StringMessage) Unmarshal(data []byte) error {
	*m = StringMessage{}
	return unmarshalFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 {
			return 0, nil
		}
		var n int
		var err error
		m.Value, n, err = consumeString(typ, b)
		return n, err
	})
}

type StringListMessage struct {
	Value []string
}

func (m *StringListMessage) Marshal() []byte {
	b := []byte{}
	for _, v := range m.Value {
		b = appendString(b, 1, v)
	}
	return b
}

func (m *StringListMessage) Unmarshal(data []byte) error {
	*m = StringListMessage{}
	return unmarshalFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 {
			return 0, nil
		}
		v, n, err := consumeString(typ, b)
		if err == nil {
			m.Value = append(m.Value, v)
		}
		return n, err
	})
}

type CoreRunCommandRequest struct {
	Command   string
	Arguments []string
}

func (m *CoreRunCommandRequest) Marshal() []byte {
	b := appendString(nil, 1, m.Command)
	for _, arg := range m.Arguments {
		b = appendString(b, 2, arg)
	}
	return b
}

func (m *CoreRunCommandRequest) Unmarshal(data []byte) error {
	*m = CoreRunCommandRequest{}
	return unmarshalFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeString(typ, b)
			m.Command = v
			return n, err
		case 2:
			v, n, err := consumeString(typ, b)
			if err == nil {
				m.Arguments = append(m.Arguments, v)
			}
			return n, err
		}
		return 0, nil
	})
}

type CoreRunLuaRequest struct {
	Module    string
	Function  string
	Arguments []string
}

func (m *CoreRunLuaRequest) Marshal() []byte {
	b := appendString(nil, 1, m.Module)
	b = appendString(b, 2, m.Function)
	for _, arg := range m.Arguments {
		b = appendString(b, 3, arg)
	}
	return b
}

func (m *CoreRunLuaRequest) Unmarshal(data []byte) error {
	*m = CoreRunLuaRequest{}
	return unmarshalFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var n int
		var err error
		switch num {
		case 1:
			m.Module, n, err = consumeString(typ, b)
		case 2:
			m.Function, n, err = consumeString(typ, b)
		case 3:
			var v string
			v, n, err = consumeString(typ, b)
			if err == nil {
				m.Arguments = append(m.Arguments, v)
			}
		}
		return n, err
	})
}

// CoreTextFragment is one colored run of console output.
type CoreTextFragment struct {
	Text     string
	Color    int32
	HasColor bool
}

func (m *CoreTextFragment) Marshal() []byte {
	b := appendString(nil, 1, m.Text)
	if m.HasColor {
		b = appendInt32(b, 2, m.Color)
	}
	return b
}

func (m *CoreTextFragment) Unmarshal(data []byte) error {
	*m = CoreTextFragment{}
	return unmarshalFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var n int
		var err error
		switch num {
		case 1:
			m.Text, n, err = consumeString(typ, b)
		case 2:
			m.Color, n, err = consumeInt32(typ, b)
			m.HasColor = err == nil
		}
		return n, err
	})
}

// CoreTextNotification is the payload of a TEXT frame.
type CoreTextNotification struct {
	Fragments []CoreTextFragment
}

func (m *CoreTextNotification) Marshal() []byte {
	b := []byte{}
	for i := range m.Fragments {
		b = appendMessage(b, 1, m.Fragments[i].Marshal())
	}
	return b
}

func (m *CoreTextNotification) Unmarshal(data []byte) error {
	*m = CoreTextNotification{}
	return unmarshalFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 {
			return 0, nil
		}
		v, n, err := consumeBytes(typ, b)
		if err != nil {
			return 0, err
		}
		var frag CoreTextFragment
		if err := frag.Unmarshal(v); err != nil {
			return 0, err
		}
		m.Fragments = append(m.Fragments, frag)
		return n, nil
	})
}

// Text concatenates the fragments, dropping colors.
func (m *CoreTextNotification) Text() string {
	var sb strings.Builder
	for _, frag := range m.Fragments {
		sb.WriteString(frag.Text)
	}
	return sb.String()
}

// RegisterCore registers the core messages under their qualified names.
func RegisterCore(reg *schema.Registry) {
	reg.Register(Namespace+".CoreBindRequest", schema.Message[CoreBindRequest]())
	reg.Register(Namespace+".CoreBindReply", schema.Message[CoreBindReply]())
	reg.Register(Namespace+".EmptyMessage", schema.Message[EmptyMessage]())
	reg.Register(Namespace+".IntMessage", schema.Message[IntMessage]())
	reg.Register(Namespace+".StringMessage", schema.Message[StringMessage]())
	reg.Register(Namespace+".StringListMessage", schema.Message[StringListMessage]())
	reg.Register(Namespace+".CoreRunCommandRequest", schema.Message[CoreRunCommandRequest]())
	reg.Register(Namespace+".CoreRunLuaRequest", schema.Message[CoreRunLuaRequest]())
	reg.Register(Namespace+".CoreTextNotification", schema.Message[CoreTextNotification]())
}

// NewCoreRegistry returns a registry holding the core messages.
func NewCoreRegistry() *schema.Registry {
	reg := schema.NewRegistry()
	RegisterCore(reg)
	return reg
}
