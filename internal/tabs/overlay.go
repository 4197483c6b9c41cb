package tabs

import (
	"fmt"
	"strconv"
)

const (
	overlayElementID = "browserwatch-overlay"
	overlayMarker    = "__browserwatchOverlay"
	titlePrefix      = "browserwatch:"
)

// OverlayScript returns the idle-overlay script for a blank tab. The window
// marker is set only once the overlay element is in the document, so a run
// that finds no body leaves the next injection free to draw.
func OverlayScript(label string) string {
	sentinel := strconv.Quote(titlePrefix + label)
	text := strconv.Quote("Waiting for automation session " + label)
	return fmt.Sprintf(`(function () {
  if (window.%[1]s) { return; }
  var draw = function () {
    if (!document.body) { return; }
    if (!document.getElementById(%[3]q)) {
      var el = document.createElement("div");
      el.id = %[3]q;
      el.setAttribute("style", "position:fixed;inset:0;display:flex;align-items:center;justify-content:center;background:#101418;color:#c8d0d8;font:16px system-ui,sans-serif;z-index:2147483647");
      el.textContent = %[4]s;
      document.body.appendChild(el);
    }
    document.title = %[2]s;
    window.%[1]s = true;
  };
  if (document.readyState === "loading") {
    document.addEventListener("DOMContentLoaded", draw);
  } else {
    draw();
  }
})();`, overlayMarker, sentinel, overlayElementID, text)
}
