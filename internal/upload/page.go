package upload

import (
	"encoding/json"
	"fmt"
)

// Page-side scripts. Each starts with a marker comment so a session's calls
// can be told apart in DevTools.

const tagAttr = "data-tabhost-upload"

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// locateExpr finds a file input by selector, then inside open shadow roots.
// When neither matches and trigger is set, it clicks the trigger once so the
// page can create the input. A found input is tagged with the session id.
func locateExpr(selector, trigger, sessionID string) string {
	return fmt.Sprintf(`/* tabhost:locate */ ((sel, trigger, id, attr) => {
  const isFile = (el) => !!el && el.tagName === 'INPUT' && el.type === 'file';
  const keep = (el, via) => {
    el.setAttribute(attr, id);
    (window.__tabhostUploadTargets = window.__tabhostUploadTargets || {})[id] = el;
    return { found: true, via };
  };
  const direct = document.querySelector(sel);
  if (isFile(direct)) return keep(direct, 'selector');
  const walk = (root) => {
    for (const node of root.querySelectorAll('*')) {
      if (!node.shadowRoot) continue;
      const hit = node.shadowRoot.querySelector(sel);
      if (isFile(hit)) return hit;
      const deep = walk(node.shadowRoot);
      if (deep) return deep;
    }
    return null;
  };
  const nested = walk(document);
  if (nested) return keep(nested, 'shadow');
  if (trigger) {
    const t = document.querySelector(trigger);
    if (t) { t.click(); return { found: false, clicked: true }; }
  }
  return { found: false, clicked: false };
})(%s, %s, %s, %s)`, jsString(selector), jsString(trigger), jsString(sessionID), jsString(tagAttr))
}

// installExpr creates the session object exposing processChunk. Decoded
// chunks are held raw until `every` of them have arrived, then folded into
// one Blob part. highWater is the largest raw backlog seen.
func installExpr(sessionID, name, mimeType string, size int64, total, every int) string {
	return fmt.Sprintf(`/* tabhost:install */ ((id, name, type, size, total, every) => {
  const targets = window.__tabhostUploadTargets || {};
  const input = targets[id];
  if (!input) return { ok: false, error: 'input not tagged' };
  const root = (window.__tabhostUploads = window.__tabhostUploads || {});
  root[id] = {
    chunks: [], parts: [], received: 0, assembled: 0, pending: 0, highWater: 0,
    stats(done) {
      return { ok: true, done, received: this.received, assembled: this.assembled, highWater: this.highWater };
    },
    coalesce() {
      if (this.chunks.length === 0) return;
      this.parts.push(new Blob(this.chunks));
      this.chunks = [];
      this.pending = 0;
    },
    processChunk(b64, index, count) {
      if (index !== this.received) throw new Error('chunk ' + index + ' out of order, expected ' + this.received);
      if (count !== total) throw new Error('chunk total ' + count + ' does not match session total ' + total);
      const bin = atob(b64);
      const bytes = new Uint8Array(bin.length);
      for (let i = 0; i < bin.length; i++) bytes[i] = bin.charCodeAt(i);
      this.chunks.push(bytes);
      this.received++;
      this.assembled += bytes.length;
      this.pending += bytes.length;
      if (this.pending > this.highWater) this.highWater = this.pending;
      if (this.chunks.length >= every) this.coalesce();
      if (this.received === total) return this.finalize();
      return this.stats(false);
    },
    finalize() {
      this.coalesce();
      const file = new File(this.parts, name, { type, lastModified: Date.now() });
      this.parts = [];
      const dt = new DataTransfer();
      dt.items.add(file);
      input.files = dt.files;
      input.dispatchEvent(new Event('input', { bubbles: true }));
      input.dispatchEvent(new Event('change', { bubbles: true }));
      const f = input.files && input.files[0];
      return Object.assign(this.stats(true), { size: f ? f.size : -1, name: f ? f.name : '', type: f ? f.type : '' });
    },
  };
  return { ok: true };
})(%s, %s, %s, %d, %d, %d)`, jsString(sessionID), jsString(name), jsString(mimeType), size, total, every)
}

func chunkExpr(sessionID, b64 string, index, total int) string {
	return fmt.Sprintf(`/* tabhost:chunk */ window.__tabhostUploads[%s].processChunk(%s, %d, %d)`,
		jsString(sessionID), jsString(b64), index, total)
}

func finalizeExpr(sessionID string) string {
	return fmt.Sprintf(`/* tabhost:finalize */ window.__tabhostUploads[%s].finalize()`, jsString(sessionID))
}

// cleanupExpr drops the session object and the input tag. With clear set it
// also empties the input so no partial file stays attached.
func cleanupExpr(sessionID string, clear bool) string {
	return fmt.Sprintf(`/* tabhost:cleanup */ ((id, attr, clear) => {
  if (window.__tabhostUploads) delete window.__tabhostUploads[id];
  const targets = window.__tabhostUploadTargets || {};
  const el = targets[id];
  delete targets[id];
  if (!el) return false;
  el.removeAttribute(attr);
  if (clear) {
    try { el.value = ''; } catch (e) {}
  }
  return true;
})(%s, %s, %t)`, jsString(sessionID), jsString(tagAttr), clear)
}
