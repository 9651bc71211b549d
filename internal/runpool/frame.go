package runpool

import "github.com/tidwall/gjson"

// frame is one newline-delimited JSON object emitted by the coding
// agent on stdout.
type frame struct {
	Type         string
	Subtype      string
	SessionID    string
	TotalCostUSD *float64
	NumTurns     *int
	Result       string
}

// parseFrame peeks the fields Orca cares about with gjson rather than
// unmarshaling the full (and otherwise unspecified) frame shape, per the
// DOMAIN STACK's stated use of gjson for the Run Pool. line must not be
// retained by the caller past this call (it may come from a reused
// scanner buffer); parseFrame copies every field it keeps into f.
func parseFrame(line []byte) frame {
	var f frame
	parsed := gjson.ParseBytes(line)

	f.Type = parsed.Get("type").String()
	f.Subtype = parsed.Get("subtype").String()

	if sid := parsed.Get("session_id"); sid.Exists() {
		f.SessionID = sid.String()
	}
	if cost := parsed.Get("total_cost_usd"); cost.Exists() {
		v := cost.Float()
		f.TotalCostUSD = &v
	}
	if turns := parsed.Get("num_turns"); turns.Exists() {
		v := int(turns.Int())
		f.NumTurns = &v
	}
	if result := parsed.Get("result"); result.Exists() {
		f.Result = result.String()
	}

	return f
}

func (f frame) isInit() bool {
	return f.Type == "system" && f.Subtype == "init"
}

func (f frame) isResult() bool {
	return f.Type == "result"
}

func (f frame) isSuccess() bool {
	return f.isResult() && f.Subtype == "success"
}
