package machine

import (
	"os"

	"github.com/ethereum-optimism/optimism/op-service/jsonutil"

	"github.com/asterisc-zk/chunkprover/rvgo/uarch"
)

var OutFilePerm = os.FileMode(0o644)

func LoadImage(path string) (*State, error) {
	return jsonutil.LoadJSON[State](path)
}

func WriteImage(path string, state *State) error {
	return jsonutil.WriteJSON(path, state, OutFilePerm)
}

// DemoState is a machine running uarch.DemoProgram.
func DemoState() *State {
	s, err := NewProgramState(uarch.DemoProgram().Bytes())
	if err != nil {
		panic(err) // a fresh memory has no page limit
	}
	return s
}
