package dom

// MaxNodes bounds the number of elements a snapshot records.
const MaxNodes = 5000

// MaxText bounds the text recorded per node.
const MaxText = 4000

// CollectScript walks the rendered page and returns a Snapshot as JSON-able
// object. It descends into open shadow roots and same-origin iframes, skips
// hidden subtrees, and records rectangles in page coordinates. The visited
// elements are kept on window under a symbol so later scripts can address
// them by index.
const CollectScript = `function (arg) {
  const maxNodes = (arg && arg.maxNodes) || 5000;
  const maxText = (arg && arg.maxText) || 4000;
  const nodes = [];
  const elems = [];
  let truncated = false;
  const skip = {SCRIPT:1, STYLE:1, NOSCRIPT:1, TEMPLATE:1, HEAD:1, META:1, LINK:1, SVG:0};

  function visible(el, win) {
    let cs;
    try { cs = win.getComputedStyle(el); } catch (e) { return true; }
    if (!cs) return true;
    if (cs.display === 'none' || cs.visibility === 'hidden' || cs.visibility === 'collapse') return false;
    if (parseFloat(cs.opacity) === 0) return false;
    return true;
  }

  function walk(el, parent, depth, win, offX, offY, inFrame, inShadow) {
    if (skip[el.tagName] === 1) return '';
    if (!visible(el, win)) return '';
    if (nodes.length >= maxNodes) { truncated = true; return ''; }
    const r = el.getBoundingClientRect();
    const idx = nodes.length;
    const cls = (typeof el.className === 'string' && el.className.trim()) ? el.className.trim().split(/\s+/) : [];
    const node = {
      i: idx, p: parent, d: depth,
      t: el.tagName.toLowerCase(),
      id: el.id || undefined,
      c: cls.length ? cls : undefined,
      r: el.getAttribute('role') || undefined,
      b: { x: r.left + offX, y: r.top + offY, width: r.width, height: r.height },
      f: inFrame || undefined,
      s: inShadow || undefined,
    };
    nodes.push(node);
    elems.push(el);

    const parts = [];
    const kids = [];
    if (el.shadowRoot) {
      for (const c of el.shadowRoot.childNodes) kids.push([c, true]);
    }
    for (const c of el.childNodes) kids.push([c, inShadow]);
    for (const [c, sh] of kids) {
      if (c.nodeType === 3) {
        const v = c.nodeValue;
        if (v && v.trim()) parts.push(v.trim());
      } else if (c.nodeType === 1) {
        const t = walk(c, idx, depth + 1, win, offX, offY, inFrame, sh);
        if (t) parts.push(t);
      }
    }
    if (el.tagName === 'IFRAME') {
      try {
        const doc = el.contentDocument;
        if (doc && doc.body) {
          const t = walk(doc.body, idx, depth + 1, el.contentWindow, offX + r.left, offY + r.top, true, false);
          if (t) parts.push(t);
        }
      } catch (e) {}
    }
    if (el.tagName === 'INPUT' || el.tagName === 'TEXTAREA') {
      if (el.value) parts.push(String(el.value));
    }
    let text = parts.join(' ');
    if (text.length > maxText) text = text.slice(0, maxText);
    if (text) node.x = text;
    return text;
  }

  const body = document.body || document.documentElement;
  if (body) walk(body, -1, 0, window, window.scrollX, window.scrollY, false, false);
  Object.defineProperty(window, Symbol.for('proofshot.nodes'), { value: elems, configurable: true, writable: true });
  return {
    nodes: nodes,
    truncated: truncated,
    viewport: {
      width: window.innerWidth || document.documentElement.clientWidth,
      height: window.innerHeight || document.documentElement.clientHeight,
      scrollX: window.scrollX, scrollY: window.scrollY,
    },
  };
}`

// ScrollScript scrolls the snapshot node arg.index into the middle of the
// viewport and returns the resulting Viewport.
const ScrollScript = `function (arg) {
  const elems = window[Symbol.for('proofshot.nodes')] || [];
  const el = elems[arg.index];
  if (el && el.isConnected) {
    try { el.scrollIntoView({ block: 'center', inline: 'nearest', behavior: 'instant' }); } catch (e) { el.scrollIntoView(); }
  }
  return {
    width: window.innerWidth || document.documentElement.clientWidth,
    height: window.innerHeight || document.documentElement.clientHeight,
    scrollX: window.scrollX, scrollY: window.scrollY,
  };
}`

// CollectArg is the argument passed to CollectScript.
type CollectArg struct {
	MaxNodes int `json:"maxNodes"`
	MaxText  int `json:"maxText"`
}

// ScrollArg is the argument passed to ScrollScript.
type ScrollArg struct {
	Index int `json:"index"`
}
