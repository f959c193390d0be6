package server

const clientScriptPath = "/_livedocs/client.js"

// clientScript is the browser side of the HMR channel.
const clientScript = `(function () {
  "use strict";
  var proto = location.protocol === "https:" ? "wss://" : "ws://";
  var url = proto + location.host + "/ws";
  var delay = 500;

  function currentPage() {
    var p = location.pathname.replace(/^\//, "");
    if (p === "" || p.endsWith("/")) p += "index.html";
    else if (!/\.[a-z0-9]+$/i.test(p)) p += ".html";
    return p;
  }

  function swapStylesheet(data) {
    var links = document.querySelectorAll('link[rel="stylesheet"]');
    for (var i = 0; i < links.length; i++) {
      var href = links[i].getAttribute("href") || "";
      if (href.indexOf("/assets/") === 0 || href.indexOf("assets/") === 0) {
        links[i].setAttribute("href", "/" + data.path);
        return;
      }
    }
    location.reload();
  }

  function showError(data) {
    console.error("[livedocs] " + data.message);
    var box = document.getElementById("livedocs-error");
    if (!box) {
      box = document.createElement("pre");
      box.id = "livedocs-error";
      box.style.cssText = "position:fixed;bottom:0;left:0;right:0;margin:0;padding:1em;" +
        "background:#300;color:#fcc;font:12px monospace;z-index:99999;white-space:pre-wrap";
      box.onclick = function () { box.remove(); };
      document.body.appendChild(box);
    }
    box.textContent = data.message;
  }

  function handle(msg) {
    var data = msg.data || {};
    switch (msg.type) {
      case "connected":
        delay = 500;
        break;
      case "pages-updated":
        if ((data.pages || []).indexOf(currentPage()) >= 0) location.reload();
        break;
      case "css-updated":
        if (data.path) swapStylesheet(data); else location.reload();
        break;
      case "js-updated":
        location.reload();
        break;
      case "menu-updated":
        var nav = document.querySelector("nav.docs-nav");
        if (nav && data.html) nav.outerHTML = data.html;
        break;
      case "error":
        showError(data);
        break;
    }
  }

  function connect() {
    var ws = new WebSocket(url);
    ws.onmessage = function (ev) {
      try { handle(JSON.parse(ev.data)); } catch (e) { console.warn("[livedocs]", e); }
    };
    ws.onclose = function () {
      setTimeout(connect, delay);
      delay = Math.min(delay * 2, 10000);
    };
  }

  connect();
})();
`
