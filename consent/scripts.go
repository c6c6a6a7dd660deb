package consent

import (
	"encoding/json"
	"fmt"
	"sort"
)

// prelude installs the shared helpers every vendor routine uses. It is
// stored under a symbol so it is invisible to Object.keys(window) and runs
// only once per document.
//
//	hook(name, patch)  patch window[name] now and on every later assignment
//	pin(name, value)   fix window[name] to value; assignments are ignored
//	force(obj, k, v)   override obj[k] even if the CMP defines it later
//	allTrue()          object reporting true for every numeric key
//	frame(name)        add the hidden locator iframe CMP stubs look for
const prelude = `(() => {
  const KEY = Symbol.for('proofshot.consent');
  if (window[KEY]) return;
  const ps = {};
  Object.defineProperty(window, KEY, { value: ps, configurable: false, enumerable: false });

  ps.hook = (name, patch) => {
    let current = window[name];
    const apply = (v) => { try { const r = patch(v); return r === undefined ? v : r; } catch (e) { return v; } };
    if (current !== undefined) current = apply(current);
    try {
      Object.defineProperty(window, name, {
        configurable: true, enumerable: true,
        get() { return current; },
        set(v) { current = apply(v); },
      });
    } catch (e) {}
  };

  ps.pin = (name, value) => {
    try {
      Object.defineProperty(window, name, {
        configurable: false, enumerable: true,
        get() { return value; },
        set(v) {},
      });
    } catch (e) {}
  };

  ps.force = (obj, key, value) => {
    try {
      Object.defineProperty(obj, key, { configurable: true, enumerable: true, get() { return value; }, set(v) {} });
    } catch (e) {
      try { obj[key] = value; } catch (e2) {}
    }
  };

  ps.allTrue = () => {
    const base = {};
    for (let i = 1; i <= 11; i++) base[i] = true;
    return typeof Proxy === 'function'
      ? new Proxy(base, { get: (t, k) => (typeof k === 'string' && /^\d+$/.test(k)) ? true : t[k] })
      : base;
  };

  ps.frame = (name) => {
    const add = () => {
      if (!document.body || window.frames[name]) return;
      const f = document.createElement('iframe');
      f.style.cssText = 'display:none';
      f.name = name;
      document.body.appendChild(f);
    };
    if (typeof document === 'undefined') return;
    if (document.body) add(); else document.addEventListener('DOMContentLoaded', add);
  };
})();`

// storageScript seeds localStorage keys that are not already set.
func storageScript(kv map[string]string) string {
	if len(kv) == 0 {
		return ""
	}
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([][2]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, [2]string{k, kv[k]})
	}
	b, _ := json.Marshal(pairs)
	return fmt.Sprintf(`(() => {
  try {
    for (const [k, v] of %s) {
      if (window.localStorage.getItem(k) === null) window.localStorage.setItem(k, v);
    }
  } catch (e) {}
})();`, b)
}

// suppressScript injects (once) a stylesheet hiding banner selectors and
// restores scrolling that a modal banner may have locked.
const suppressScript = `function (arg) {
  const id = '__proofshot_suppress';
  let style = document.getElementById(id);
  if (!style) {
    style = document.createElement('style');
    style.id = id;
    (document.head || document.documentElement).appendChild(style);
  }
  style.textContent = arg.selectors.join(',\n') +
    ' { opacity: 0 !important; pointer-events: none !important; visibility: hidden !important; }\n' +
    'html, body { overflow: auto !important; }';
  for (const el of [document.documentElement, document.body]) {
    if (!el) continue;
    el.style.removeProperty('overflow');
    el.style.removeProperty('overflow-y');
    if (el.style.position === 'fixed') {
      el.style.removeProperty('position');
      el.style.removeProperty('top');
    }
    for (const c of ['modal-open', 'no-scroll', 'noscroll', 'overflow-hidden', 'didomi-popup-open', 'sp-message-open']) {
      el.classList.remove(c);
    }
  }
  return true;
}`

// pruneScript removes banner elements from the DOM and returns how many it
// removed. Candidates are the configured selectors plus dialogs and
// fixed/sticky high-z layers that either look like a consent prompt or cover
// a large part of the viewport. Elements containing the target text are
// never removed.
const pruneScript = `function (arg) {
  const norm = (s) => (s || '').toLowerCase().replace(/[\p{P}\p{S}]/gu, '').replace(/\s+/g, ' ').trim();
  const target = norm(arg.target);
  const words = arg.words;
  const vw = window.innerWidth || 1, vh = window.innerHeight || 1;
  const keeps = (el) => target !== '' && norm(el.textContent).includes(target);
  const attrs = (el) => ((el.id || '') + ' ' + (typeof el.className === 'string' ? el.className : '') + ' ' +
    (el.getAttribute('aria-label') || '')).toLowerCase();
  const text = (el) => (el.textContent || '').slice(0, 2000).toLowerCase();
  const has = (t, list) => list.some((w) => t.includes(w));
  // Dialogs are modal, so any consent word in their text is enough.
  const consentyDialog = (el) => has(attrs(el) + ' ' + text(el), words);
  // Fixed layers are often site headers; their text must pair a consent
  // topic with a consent action.
  const consentyLayer = (el) => {
    if (has(attrs(el), words)) return true;
    const t = text(el);
    return has(t, arg.topics) && has(t, arg.actions);
  };
  const doomed = new Set();
  for (const sel of arg.selectors) {
    let list = [];
    try { list = document.querySelectorAll(sel); } catch (e) { continue; }
    for (const el of list) if (!keeps(el)) doomed.add(el);
  }
  for (const el of document.querySelectorAll('[role="dialog"],[role="alertdialog"],[aria-modal="true"],dialog')) {
    if (!keeps(el) && consentyDialog(el)) doomed.add(el);
  }
  const all = document.body ? document.body.querySelectorAll('*') : [];
  for (const el of all) {
    if (doomed.has(el)) continue;
    let cs;
    try { cs = window.getComputedStyle(el); } catch (e) { continue; }
    if (!cs || (cs.position !== 'fixed' && cs.position !== 'sticky' && cs.position !== 'absolute')) continue;
    const z = parseInt(cs.zIndex, 10);
    if (!(z >= arg.minZ)) continue;
    const r = el.getBoundingClientRect();
    const coverage = (Math.max(0, r.width) * Math.max(0, r.height)) / (vw * vh);
    if (keeps(el)) continue;
    if (consentyLayer(el) || (cs.position === 'fixed' && coverage >= arg.coverage)) doomed.add(el);
  }
  let removed = 0;
  for (const el of doomed) {
    let nested = false;
    for (let p = el.parentElement; p; p = p.parentElement) {
      if (doomed.has(p)) { nested = true; break; }
    }
    if (nested || !el.isConnected) continue;
    el.remove();
    removed++;
  }
  return removed;
}`

// readinessScript reports visible text length and whether a visible main
// content container exists.
const readinessScript = `function () {
  const body = document.body;
  const text = body ? (body.innerText || body.textContent || '') : '';
  let hasMain = false;
  for (const el of document.querySelectorAll('main, article, [role="main"]')) {
    const r = el.getBoundingClientRect();
    if (r.width > 0 && r.height > 0) { hasMain = true; break; }
  }
  return { textLength: text.replace(/\s+/g, ' ').trim().length, hasMain: hasMain };
}`

// probeScript asks the neutralized TCF API for its consent state. It is a
// diagnostic used by tests and by the debug log.
const probeScript = `function () {
  return new Promise((resolve) => {
    if (typeof window.__tcfapi !== 'function') { resolve({ api: false, granted: false }); return; }
    let done = false;
    window.__tcfapi('getTCData', 2, (data, ok) => {
      done = true;
      const granted = !!(ok && data && data.purpose && data.purpose.consents && data.purpose.consents[1] && data.vendor.consents[755]);
      resolve({ api: true, granted: granted, status: data ? data.cmpStatus : '' });
    });
    if (!done) setTimeout(() => resolve({ api: true, granted: false }), 500);
  });
}`
