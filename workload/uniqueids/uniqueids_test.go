package uniqueids

import (
	"bufio"
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gomaelstrom/node/pkg/maelstrom/core"
	"github.com/gomaelstrom/node/pkg/maelstrom/types"
)

type nopLogger struct{}

func (nopLogger) Info(v ...interface{})                  {}
func (nopLogger) Infof(format string, v ...interface{})  {}
func (nopLogger) Warn(v ...interface{})                  {}
func (nopLogger) Warnf(format string, v ...interface{})  {}
func (nopLogger) Error(v ...interface{})                 {}
func (nopLogger) Errorf(format string, v ...interface{}) {}
func (nopLogger) Debug(v ...interface{})                 {}
func (nopLogger) Debugf(format string, v ...interface{}) {}
func (nopLogger) Fatal(v ...interface{})                 { panic(v) }
func (nopLogger) Fatalf(format string, v ...interface{}) { panic(format) }
func (nopLogger) Panic(v ...interface{})                 { panic(v) }
func (nopLogger) Panicf(format string, v ...interface{}) { panic(format) }
func (nopLogger) ToggleDebug(value bool) bool            { return value }

// TestGenerate_IdsAreNodeScopedAndMonotonic reproduces the unique-ids
// scenario from section 8: after init of n3, two generate requests produce
// "n3.0" then "n3.1".
func TestGenerate_IdsAreNodeScopedAndMonotonic(t *testing.T) {
	inPR, inPW := io.Pipe()
	outPR, outPW := io.Pipe()

	n := core.NewNode(New(), core.DefaultConfig(), nopLogger{})
	runDone := make(chan error, 1)
	go func() { runDone <- n.Run(inPR, outPW) }()

	scanner := bufio.NewScanner(outPR)

	go func() {
		inPW.Write([]byte(`{"src":"c1","dest":"n3","body":{"type":"init","msg_id":1,"node_id":"n3","node_ids":["n3"]}}` + "\n"))
	}()
	require.True(t, scanner.Scan()) // init_ok

	go func() {
		inPW.Write([]byte(`{"src":"c1","dest":"n3","body":{"type":"generate","msg_id":1}}` + "\n"))
		inPW.Write([]byte(`{"src":"c1","dest":"n3","body":{"type":"generate","msg_id":2}}` + "\n"))
	}()

	var ids []string
	for i := 0; i < 2; i++ {
		require.True(t, scanner.Scan())
		var env types.Envelope
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &env))
		var body types.GenerateOkBody
		require.NoError(t, env.Decode(&body))
		ids = append(ids, body.ID)
	}

	require.Equal(t, []string{"n3.0", "n3.1"}, ids)

	inPW.Close()
	require.NoError(t, <-runDone)
}
