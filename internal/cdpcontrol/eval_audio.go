package cdpcontrol

import (
	"fmt"

	"github.com/dgnsrekt/tabgain/internal/audio"
)

// jsTabgainState is the per-page bookkeeping object shared by the scripts
// below. Captures are keyed by stream handle.
const jsTabgainState = `
var tg = window.__tabgain || (window.__tabgain = {captures:{}, muted:false, observer:null});
function _media() { return Array.prototype.slice.call(document.querySelectorAll("audio,video")); }
`

// jsSetMuted mutes or unmutes every media element in the page. While muted,
// elements added later are muted too.
func jsSetMuted(muted bool) string {
	return wrapJSEval(jsTabgainState + fmt.Sprintf(`
var want = %t;
tg.muted = want;
var els = _media();
for (var i = 0; i < els.length; i++) { els[i].muted = want; }
if (want && !tg.observer && typeof MutationObserver === "function") {
  tg.observer = new MutationObserver(function() {
    if (!tg.muted) return;
    var all = _media();
    for (var j = 0; j < all.length; j++) { if (!all[j].muted) all[j].muted = true; }
  });
  tg.observer.observe(document.documentElement, {childList:true, subtree:true});
}
if (!want && tg.observer) { tg.observer.disconnect(); tg.observer = null; }
return JSON.stringify({ok:true,data:{muted:want,elements:els.length}});
`, muted))
}

// jsStartCapture captures the page's media elements into one audio graph and
// ships interleaved S16LE PCM, base64-encoded, through the named binding.
func jsStartCapture(handle, binding string, format audio.Format) string {
	return wrapJSEvalAsync(jsTabgainState + fmt.Sprintf(`
var handle = %s;
var binding = %s;
var channels = %d;
if (tg.captures[handle]) return JSON.stringify({ok:true,data:{handle:handle,sources:tg.captures[handle].sources.length}});
if (typeof window[binding] !== "function") return JSON.stringify({ok:false,error_code:%s,error_message:"capture binding missing"});
var AC = window.AudioContext || window.webkitAudioContext;
if (!AC) return JSON.stringify({ok:false,error_code:%s,error_message:"AudioContext unavailable"});
var els = _media();
if (!els.length) return JSON.stringify({ok:false,error_code:%s,error_message:"no media elements in tab"});
var ctx = new AC({sampleRate:%d});
try { await ctx.resume(); } catch (_) {}
var proc = ctx.createScriptProcessor(4096, channels, channels);
var sources = [];
var denied = "";
for (var i = 0; i < els.length; i++) {
  var el = els[i];
  try {
    var stream = el.captureStream ? el.captureStream() : (el.mozCaptureStream ? el.mozCaptureStream() : null);
    if (!stream || !stream.getAudioTracks().length) continue;
    var src = ctx.createMediaStreamSource(stream);
    src.connect(proc);
    sources.push({src:src, stream:stream});
  } catch (e) {
    if (e && (e.name === "SecurityError" || e.name === "NotAllowedError")) denied = String(e.message || e.name);
  }
}
if (!sources.length) {
  try { await ctx.close(); } catch (_) {}
  if (denied) return JSON.stringify({ok:false,error_code:%s,error_message:denied});
  return JSON.stringify({ok:false,error_code:%s,error_message:"no capturable audio in tab"});
}
proc.onaudioprocess = function(ev) {
  var inb = ev.inputBuffer;
  var n = inb.length;
  var data = [];
  for (var c = 0; c < channels; c++) data.push(inb.getChannelData(Math.min(c, inb.numberOfChannels - 1)));
  var bytes = new Uint8Array(n * channels * 2);
  var view = new DataView(bytes.buffer);
  var o = 0;
  for (var f = 0; f < n; f++) {
    for (var c2 = 0; c2 < channels; c2++) {
      var s = Math.max(-1, Math.min(1, data[c2][f]));
      view.setInt16(o, s < 0 ? s * 0x8000 : s * 0x7fff, true);
      o += 2;
    }
  }
  var bin = "";
  for (var b = 0; b < bytes.length; b += 0x8000) bin += String.fromCharCode.apply(null, bytes.subarray(b, b + 0x8000));
  try { window[binding](btoa(bin)); } catch (_) {}
};
proc.connect(ctx.destination);
tg.captures[handle] = {ctx:ctx, proc:proc, sources:sources};
return JSON.stringify({ok:true,data:{handle:handle,sources:sources.length}});
`, jsString(handle), jsString(binding), format.Channels,
		jsString(CodeStreamNotFound), jsString(CodePermissionDenied), jsString(CodeStreamNotFound),
		format.SampleRate,
		jsString(CodePermissionDenied), jsString(CodeStreamNotFound)))
}

// jsStopCapture tears down the graph for handle. Unknown handles succeed.
func jsStopCapture(handle string) string {
	return wrapJSEval(jsTabgainState + fmt.Sprintf(`
var handle = %s;
var cap = tg.captures[handle];
if (!cap) return JSON.stringify({ok:true,data:{stopped:false}});
delete tg.captures[handle];
try { cap.proc.onaudioprocess = null; cap.proc.disconnect(); } catch (_) {}
for (var i = 0; i < cap.sources.length; i++) {
  try { cap.sources[i].src.disconnect(); } catch (_) {}
  var tracks = cap.sources[i].stream.getTracks();
  for (var j = 0; j < tracks.length; j++) { try { tracks[j].stop(); } catch (_) {} }
}
try { cap.ctx.close(); } catch (_) {}
return JSON.stringify({ok:true,data:{stopped:true}});
`, jsString(handle)))
}
