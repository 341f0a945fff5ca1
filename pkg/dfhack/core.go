// Package dfhack wraps the core DFHack procedures in typed calls.
package dfhack

import (
	"context"
	"strings"

	"github.com/kbirk/dfremote/pkg/dfproto"
	"github.com/kbirk/dfremote/pkg/rpc"
	"github.com/kbirk/dfremote/pkg/wire"
)

const (
	MethodGetVersion   = "GetVersion"
	MethodGetDFVersion = "GetDFVersion"
	MethodRunCommand   = "RunCommand"
	MethodRunLua       = "RunLua"
	MethodCoreSuspend  = "CoreSuspend"
	MethodCoreResume   = "CoreResume"
)

type Core struct {
	client *rpc.Client
}

func NewCore(client *rpc.Client) *Core {
	return &Core{client: client}
}

// Connect connects a client built from conf and binds the core procedures.
func Connect(ctx context.Context, conf rpc.ClientConfig) (*Core, error) {
	client := rpc.NewClient(conf)
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	return NewCore(client), nil
}

func (c *Core) Client() *rpc.Client {
	return c.client
}

func (c *Core) Close() error {
	return c.client.Close()
}

func (c *Core) getString(ctx context.Context, method string) (string, error) {
	out, _, err := rpc.Invoke[*dfproto.EmptyMessage, *dfproto.StringMessage](ctx, c.client, method, &dfproto.EmptyMessage{})
	if err != nil {
		return "", err
	}
	return out.Value, nil
}

// GetVersion returns the DFHack version of the server.
func (c *Core) GetVersion(ctx context.Context) (string, error) {
	return c.getString(ctx, MethodGetVersion)
}

// GetDFVersion returns the Dwarf Fortress version of the server.
func (c *Core) GetDFVersion(ctx context.Context) (string, error) {
	return c.getString(ctx, MethodGetDFVersion)
}

// RunCommand runs a console command and returns what it printed. The output
// is returned even when the command fails.
func (c *Core) RunCommand(ctx context.Context, command string, args ...string) (string, error) {
	req := &dfproto.CoreRunCommandRequest{
		Command:   command,
		Arguments: args,
	}
	resp, err := c.client.Invoke(ctx, MethodRunCommand, req)
	if resp == nil {
		return "", err
	}
	output, textErr := TextOutput(resp.Texts)
	if err != nil {
		return output, err
	}
	return output, textErr
}

// RunLua calls function in module with string arguments.
func (c *Core) RunLua(ctx context.Context, module string, function string, args ...string) ([]string, error) {
	req := &dfproto.CoreRunLuaRequest{
		Module:    module,
		Function:  function,
		Arguments: args,
	}
	out, _, err := rpc.Invoke[*dfproto.CoreRunLuaRequest, *dfproto.StringListMessage](ctx, c.client, MethodRunLua, req)
	if err != nil {
		return nil, err
	}
	return out.Value, nil
}

func (c *Core) suspendCount(ctx context.Context, method string) (int32, error) {
	out, _, err := rpc.Invoke[*dfproto.EmptyMessage, *dfproto.IntMessage](ctx, c.client, method, &dfproto.EmptyMessage{})
	if err != nil {
		return 0, err
	}
	return out.Value, nil
}

// Suspend pauses the game core and returns the suspend depth.
func (c *Core) Suspend(ctx context.Context) (int32, error) {
	return c.suspendCount(ctx, MethodCoreSuspend)
}

// Resume undoes one Suspend and returns the remaining depth.
func (c *Core) Resume(ctx context.Context) (int32, error) {
	return c.suspendCount(ctx, MethodCoreResume)
}

// TextOutput decodes TEXT notifications and joins their fragments.
func TextOutput(texts []wire.Message) (string, error) {
	var sb strings.Builder
	for _, msg := range texts {
		var note dfproto.CoreTextNotification
		if err := note.Unmarshal(msg.Data); err != nil {
			return sb.String(), err
		}
		sb.WriteString(note.Text())
	}
	return sb.String(), nil
}
