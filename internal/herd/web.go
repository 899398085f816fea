// Copyright 2025 github.com/ucirello, cirello.io, U. Cirello
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package herd

import (
	"context"
	"encoding/json"
	"html/template"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"

	terminal "github.com/buildkite/terminal-to-html/v3"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const dashboardLogBuffer = 1024

// LogMessage is one output line forwarded to dashboard websockets.
type LogMessage struct {
	Name string `json:"name"`
	Pid  int    `json:"pid"`
	Line string `json:"line"`
}

// Dashboard serves the embedded status page: live process output over
// websockets, watcher status as JSON, and the lifecycle event stream.
type Dashboard struct {
	arbiter *Arbiter
	addr    string
	log     logrus.FieldLogger

	logsMu         sync.Mutex
	logSubscribers []chan LogMessage
}

// NewDashboard builds the web frontend for the arbiter. Install Broadcast as
// the arbiter's stream tee to feed the log viewer.
func NewDashboard(a *Arbiter) *Dashboard {
	return &Dashboard{
		arbiter: a,
		addr:    a.GlobalOptions().WebAddr,
		log:     a.Log().WithField("service", "web"),
	}
}

// Name identifies the service in the supervision tree.
func (d *Dashboard) Name() string { return "web" }

// Broadcast forwards one output line to every connected log viewer. Slow
// viewers drop lines rather than applying backpressure to the pumps.
func (d *Dashboard) Broadcast(chunk StreamChunk) {
	msg := LogMessage{
		Name: chunk.Name,
		Pid:  chunk.Pid,
		Line: strings.TrimRight(string(chunk.Data), "\n"),
	}
	d.logsMu.Lock()
	defer d.logsMu.Unlock()
	for _, stream := range d.logSubscribers {
		select {
		case stream <- msg:
		default:
		}
	}
}

func (d *Dashboard) subscribeLogFwd() chan LogMessage {
	stream := make(chan LogMessage, dashboardLogBuffer)
	d.logsMu.Lock()
	d.logSubscribers = append(d.logSubscribers, stream)
	d.logsMu.Unlock()
	return stream
}

func (d *Dashboard) unsubscribeLogFwd(stream chan LogMessage) {
	d.logsMu.Lock()
	defer d.logsMu.Unlock()
	for i := 0; i < len(d.logSubscribers); i++ {
		if d.logSubscribers[i] == stream {
			d.logSubscribers = append(d.logSubscribers[:i], d.logSubscribers[i+1:]...)
			return
		}
	}
}

// Serve runs the HTTP server until ctx is canceled.
func (d *Dashboard) Serve(ctx context.Context) error {
	l, err := net.Listen("tcp", d.addr)
	if err != nil {
		return err
	}
	d.log.WithField("addr", l.Addr().String()).Info("dashboard listening")

	mux := http.NewServeMux()
	mux.HandleFunc("/", d.handleIndex)
	mux.HandleFunc("/watchers", d.handleWatchers)
	mux.HandleFunc("/logs", d.handleLogs)
	mux.HandleFunc("/events", d.handleEvents)

	server := &http.Server{Handler: mux}
	go func() {
		<-ctx.Done()
		server.Shutdown(context.Background())
	}()
	if err := server.Serve(l); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (d *Dashboard) handleIndex(w http.ResponseWriter, req *http.Request) {
	wsURL := url.URL{Scheme: "ws", Host: req.Host, Path: "/logs"}
	query := wsURL.Query()
	query.Set("mode", "html")
	filter := req.URL.Query().Get("filter")
	if filter != "" {
		query.Set("filter", filter)
	}
	wsURL.RawQuery = query.Encode()
	dashboardPage.Execute(w, struct {
		URL    string
		Filter string
	}{wsURL.String(), filter})
}

func (d *Dashboard) handleWatchers(w http.ResponseWriter, _ *http.Request) {
	v, err := d.arbiter.Do(func() (any, error) {
		return d.arbiter.StatusAll(), nil
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "    ")
	if err := enc.Encode(v); err != nil {
		d.log.WithError(err).Warn("cannot serve watcher status")
	}
}

func (d *Dashboard) handleLogs(w http.ResponseWriter, req *http.Request) {
	filter := req.URL.Query().Get("filter")
	mode := req.URL.Query().Get("mode")
	stream := d.subscribeLogFwd()
	defer d.unsubscribeLogFwd(stream)
	upgrader := websocket.Upgrader{}
	c, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		d.log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	defer c.Close()
	for {
		select {
		case msg := <-stream:
			if filter != "" && !strings.Contains(msg.Name, filter) && !strings.Contains(msg.Line, filter) {
				continue
			}
			if mode == "html" {
				msg.Line = string(terminal.Render([]byte(msg.Line)))
			}
			b, err := json.Marshal(msg)
			if err != nil {
				return
			}
			if err := c.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-req.Context().Done():
			return
		}
	}
}

func (d *Dashboard) handleEvents(w http.ResponseWriter, req *http.Request) {
	prefix := req.URL.Query().Get("topic")
	var sub *Subscription
	if prefix != "" {
		sub = d.arbiter.Bus().Subscribe(prefix)
	} else {
		sub = d.arbiter.Bus().Subscribe()
	}
	defer d.arbiter.Bus().Unsubscribe(sub)
	upgrader := websocket.Upgrader{}
	c, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		d.log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	defer c.Close()
	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			b, err := json.Marshal(map[string]any{
				"topic":   ev.Topic,
				"payload": ev.Payload,
			})
			if err != nil {
				return
			}
			if err := c.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-req.Context().Done():
			return
		}
	}
}

var dashboardPage = template.Must(template.New("").Parse(`<html>
<head>
<style>
* {
	margin: 0;
	padding: 0;
}
#controlBar {
	background: white;
	border-bottom: #c0c0c0 1pt solid;
	color: black;
	min-height: 25px;
	height: auto;
	padding-left: 5px;
	padding-top: 5px;
	position:fixed;
	top: 0px;
	width: 100%;
}
#output {
	font-family: monospace;
	margin-top: 36px;
	padding-bottom: 10px;
	padding-left: 5px;
	white-space: pre;
}
#status {
	font-size: 13px;
	font-family: monospace;
}
</style>
</head>
<body>
<div id="controlBar">
	<form>
		<div>
			<label><input type="checkbox" id="autoScroll" checked> automatic scroll to bottom</label>
			|
			<label><input type="text" id="filter" name="filter" placeholder="filter" value="{{.Filter}}"></label>
			<input type=submit style="display: none">
			|
			<label>watchers: <span id="status"><em>loading...</em></span></label>
		</div>
	</form>
</div>
<div id="output"></div>
<script>
var print = function(message) {
	var d = document.createElement("div");
	d.innerHTML = message;
	document.getElementById("output").appendChild(d);
};
function trimOutput(){
	const maxBufferSize = 262144
	if (document.getElementById("output").innerText.length > maxBufferSize) {
		document.getElementById("output").innerText = document.getElementById("output").innerText.substr(-maxBufferSize)
	}
}
function dial(){
	var ws = new WebSocket("{{.URL}}");
	ws.onclose = function(evt) {
		setTimeout(function(){
			print("reconnecting...")
			dial()
		}, 1000);
	}
	ws.onmessage = function(evt) {
		var msg = JSON.parse(evt.data);
		print(msg.name+": "+msg.line)
		if (document.getElementById("autoScroll").checked){
			window.scrollTo(0,document.body.scrollHeight);
		}
	}
	ws.onerror = function(evt) {
		print("ERROR: " + evt.data);
	}
}
function updateStatus(){
	var xhr = new XMLHttpRequest();
	xhr.open('GET', '/watchers');
	xhr.onload = function() {
		if (xhr.status != 200) {
			return
		}
		var watchers = JSON.parse(xhr.responseText);
		var line = ''
		for (i in watchers) {
			line += watchers[i].name+'='+watchers[i].status+' '
		}
		document.getElementById('status').innerText = line
	};
	xhr.send();
}
window.addEventListener("load", function(evt) {
	dial()
	setInterval(updateStatus, 1000)
	setInterval(trimOutput, 1000)
	return false;
});
</script>
</body>
</html>`))
