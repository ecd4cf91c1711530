package passthrough

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/relaymock/relay/internal/bodycodec"
	"github.com/relaymock/relay/internal/httpwire"
	"github.com/relaymock/relay/internal/relayerr"
	"github.com/relaymock/relay/internal/rules"
)

// applyRequestTransform applies spec.md §4.5's declarative transform to
// req in place, before beforeRequest (the imperative hook) runs.
func applyRequestTransform(req *httpwire.Request, t *rules.Transform) error {
	if t == nil {
		return nil
	}
	if t.ReplaceMethod != "" {
		req.Method = t.ReplaceMethod
	}
	if t.ReplaceHeaders != nil {
		req.RawHeaders = t.ReplaceHeaders.Clone()
	} else {
		applyHeaderUpdates(&req.RawHeaders, t.UpdateHeaders)
	}
	req.SyncHeaders()

	body, err := resolveTransformBody(req.Body, t)
	if err != nil {
		return err
	}
	if body != nil {
		req.Body = httpwire.NewBufferedBody(body, req.Body.ContentEncoding(), int64(len(body)))
	}
	return nil
}

// applyResponseTransform mirrors applyRequestTransform for the response
// leg (used after beforeResponse, or against an injected response).
func applyResponseTransform(resp *httpwire.Response, t *rules.Transform) error {
	if t == nil {
		return nil
	}
	if t.ReplaceHeaders != nil {
		resp.RawHeaders = t.ReplaceHeaders.Clone()
	} else {
		applyHeaderUpdates(&resp.RawHeaders, t.UpdateHeaders)
	}
	resp.SyncHeaders()

	body, err := resolveTransformBody(resp.Body, t)
	if err != nil {
		return err
	}
	if body != nil {
		resp.Body = httpwire.NewBufferedBody(body, resp.Body.ContentEncoding(), int64(len(body)))
	}
	return nil
}

// applyHeaderUpdates merges updates into headers: a present header
// mapped to an empty value removes it (spec.md: "updateHeaders (merge;
// undefined removes)"), anything else is set.
func applyHeaderUpdates(headers *httpwire.RawHeaders, updates httpwire.RawHeaders) {
	for _, p := range updates {
		if p.Value == "" {
			headers.Del(p.Name)
			continue
		}
		headers.Set(p.Name, p.Value)
	}
}

// resolveTransformBody picks whichever body-replacement field of t is
// set, in the priority order spec.md §4.5 lists, re-encoding JSON merges
// to keep the outgoing Content-Encoding intact unless the caller
// supplied raw replacement bytes.
func resolveTransformBody(current *httpwire.Body, t *rules.Transform) ([]byte, error) {
	switch {
	case t.ReplaceBody != nil:
		return t.ReplaceBody, nil

	case t.ReplaceBodyFromFile != "":
		data, err := os.ReadFile(t.ReplaceBodyFromFile)
		if err != nil {
			return nil, relayerr.Wrap(relayerr.TransformFileError, "replaceBodyFromFile", err)
		}
		return data, nil

	case t.ReplaceBodyDecodedFromFile != "":
		decoded, err := os.ReadFile(t.ReplaceBodyDecodedFromFile)
		if err != nil {
			return nil, relayerr.Wrap(relayerr.TransformFileError, "replaceBodyDecodedFromFile", err)
		}
		return bodycodec.Encode(decoded, current.ContentEncoding())

	case t.UpdateJSONBody != nil:
		decoded, err := current.Decoded()
		if err != nil {
			return nil, relayerr.Wrap(relayerr.BodyTooLargeForTransform, "updateJsonBody: decoding current body", err)
		}
		merged, err := mergeJSON(decoded, t.UpdateJSONBody)
		if err != nil {
			return nil, err
		}
		return bodycodec.Encode(merged, current.ContentEncoding())

	default:
		return nil, nil
	}
}

// mergeJSON recursively merges updates into a JSON document's decoded
// bytes. A key mapped to nil in updates deletes that key from the
// corresponding object (spec.md: "undefined deletes").
func mergeJSON(decoded []byte, updates map[string]any) ([]byte, error) {
	var doc map[string]any
	if len(decoded) > 0 {
		if err := json.Unmarshal(decoded, &doc); err != nil {
			return nil, fmt.Errorf("passthrough: updateJsonBody against non-object body: %w", err)
		}
	}
	if doc == nil {
		doc = make(map[string]any)
	}
	mergeJSONObject(doc, updates)
	return json.Marshal(doc)
}

func mergeJSONObject(dst, updates map[string]any) {
	for k, v := range updates {
		if v == nil {
			delete(dst, k)
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			existing, _ := dst[k].(map[string]any)
			if existing == nil {
				existing = make(map[string]any)
			}
			mergeJSONObject(existing, nested)
			dst[k] = existing
			continue
		}
		dst[k] = v
	}
}
