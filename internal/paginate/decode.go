package paginate

import (
	"encoding/json"

	"github.com/rotisserie/eris"
	"github.com/tidwall/gjson"
)

// JSONPaths locates the listing fields inside a response envelope using
// gjson path syntax, e.g. "hits.total" and "hits.hits".
type JSONPaths struct {
	TotalPath string
	ItemsPath string
	NextPath  string
}

// DecodeOffset extracts the total and items of an offset page.
func (p JSONPaths) DecodeOffset(body []byte) (OffsetPage, error) {
	items, root, err := p.items(body)
	if err != nil {
		return OffsetPage{}, err
	}
	total := root.Get(p.TotalPath)
	if !total.Exists() {
		return OffsetPage{}, eris.Errorf("paginate: total %q missing", p.TotalPath)
	}
	return OffsetPage{Total: int(total.Int()), Items: items}, nil
}

// DecodeCursor extracts the items and next cursor of a cursor page.
func (p JSONPaths) DecodeCursor(body []byte) (CursorPage, error) {
	items, root, err := p.items(body)
	if err != nil {
		return CursorPage{}, err
	}
	return CursorPage{Items: items, Next: root.Get(p.NextPath).String()}, nil
}

func (p JSONPaths) items(body []byte) ([]json.RawMessage, gjson.Result, error) {
	if !gjson.ValidBytes(body) {
		return nil, gjson.Result{}, eris.New("paginate: malformed JSON page")
	}
	root := gjson.ParseBytes(body)
	arr := root.Get(p.ItemsPath)
	if !arr.Exists() {
		return nil, root, eris.Errorf("paginate: items %q missing", p.ItemsPath)
	}
	if !arr.IsArray() {
		return nil, root, eris.Errorf("paginate: items %q is not an array", p.ItemsPath)
	}
	var items []json.RawMessage
	arr.ForEach(func(_, v gjson.Result) bool {
		items = append(items, json.RawMessage(v.Raw))
		return true
	})
	return items, root, nil
}
