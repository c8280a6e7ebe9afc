package chrome

import (
	"context"
	"fmt"
	"strings"
)

// AllElements asks QuerySelectorAll for every match.
const AllElements = -1

// tagScript serializes the elements matching a selector. When index is
// non-negative only that element is serialized and acted on.
const tagScript = `(function(){
var els = Array.prototype.slice.call(document.querySelectorAll(%s));
var index = %d;
if (index >= 0) { els = index < els.length ? [els[index]] : []; }
var out = [];
for (var i = 0; i < els.length; i++) {
  var el = els[i];
  var item = {tagName: el.tagName.toLowerCase(), innerHTML: el.innerHTML, outerHTML: el.outerHTML, textContent: el.textContent, attributes: {}, result: ""};
  for (var j = 0; j < el.attributes.length; j++) { item.attributes[el.attributes[j].name] = el.attributes[j].value; }
  %s
  out.push(item);
}
return out;
})()`

// selectorLiteral renders css as a JS string literal, escaping quotes.
func selectorLiteral(css string) string {
	s, err := wire.MarshalToString(css)
	if err != nil {
		return "'" + strings.ReplaceAll(css, "'", `\'`) + "'"
	}
	return s
}

func buildTagScript(css string, index int, action string) string {
	act := ""
	if action != "" {
		act = "try { item.result = String(el." + action + "); } catch (e) { item.result = String(e); }"
	}
	return fmt.Sprintf(tagScript, selectorLiteral(css), index, act)
}

// QuerySelectorAll serializes every element matching css. When action is
// set, el.<action> runs on each and its stringified value lands in
// Tag.Result.
func (t *Tab) QuerySelectorAll(ctx context.Context, css string, action string) ([]Tag, error) {
	return t.queryTags(ctx, css, AllElements, action)
}

// QuerySelector returns the element at index, or the zero Tag when there
// is none.
func (t *Tab) QuerySelector(ctx context.Context, css string, index int, action string) (Tag, error) {
	if index < 0 {
		return Tag{}, fmt.Errorf("invalid element index %d", index)
	}
	tags, err := t.queryTags(ctx, css, index, action)
	if err != nil || len(tags) == 0 {
		return Tag{}, err
	}
	return tags[0], nil
}

// Click runs el.click() on the element at index.
func (t *Tab) Click(ctx context.Context, css string, index int) (Tag, error) {
	return t.QuerySelector(ctx, css, index, "click()")
}

func (t *Tab) queryTags(ctx context.Context, css string, index int, action string) ([]Tag, error) {
	v, err := t.JSValue(ctx, buildTagScript(css, index, action))
	if err != nil {
		return nil, fmt.Errorf("querying %q: %w", css, err)
	}
	if !v.IsArray() {
		return nil, nil
	}
	var tags []Tag
	if err := wire.UnmarshalFromString(v.Raw, &tags); err != nil {
		return nil, fmt.Errorf("parsing elements for %q: %w", css, err)
	}
	return tags, nil
}

// GetBoundingClientRect measures the first element matching css. It
// returns nil when nothing matches.
func (t *Tab) GetBoundingClientRect(ctx context.Context, css string) (*Rect, error) {
	v, err := t.JSCode(ctx, `var el = document.querySelector(`+selectorLiteral(css)+`);
if (!el) { return null; }
var r = el.getBoundingClientRect();
return {left: r.left, top: r.top, width: r.width, height: r.height};`)
	if err != nil {
		return nil, fmt.Errorf("measuring %q: %w", css, err)
	}
	if !v.IsObject() {
		return nil, nil
	}
	return &Rect{
		Left:   v.Get("left").Float(),
		Top:    v.Get("top").Float(),
		Width:  v.Get("width").Float(),
		Height: v.Get("height").Float(),
	}, nil
}
