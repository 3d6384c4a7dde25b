// Package server exposes HTTP handlers, including WebSocket upgrades, health
// checks, and the built-in test page.
package server

import (
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

// WebSocketHandler handles WebSocket upgrade requests. It validates that the
// request uses the GET method, upgrades the connection, and hands it to the
// hub, which runs the session's read and write pumps.
func (h *Hub) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("WebSocket upgrade failed", zap.String("addr", r.RemoteAddr), zap.Error(err))
		return
	}

	if _, err := h.Serve(conn, r.RemoteAddr); err != nil {
		h.log.Info("connection refused", zap.String("addr", r.RemoteAddr), zap.Error(err))
	}
}

// HealthHandler provides a simple health check endpoint that returns server status.
// It responds with a plain text message indicating the server is running.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "GoChat server is running!")
}

// TestPageHandler serves an HTML page that logs in, sends direct messages and
// prints every envelope the hub pushes.
func TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprint(w, testPage)
}

const testPage = `<!DOCTYPE html>
<html>
<head>
    <title>GoChat WebSocket Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #log {
            border: 1px solid #ccc;
            height: 320px;
            padding: 10px;
            overflow-y: scroll;
            margin: 10px 0;
            background-color: #f9f9f9;
            font-family: monospace;
            white-space: pre-wrap;
        }
        input[type="text"] { width: 220px; padding: 5px; margin-right: 10px; }
        button { padding: 5px 15px; background-color: #007cba; color: white; border: none; cursor: pointer; }
        button:hover { background-color: #005a87; }
        button:disabled { background-color: #9bb; }
        .status { margin: 10px 0; padding: 5px; border-radius: 3px; }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
    </style>
</head>
<body>
    <h1>GoChat WebSocket Test</h1>

    <div id="status" class="status disconnected">Disconnected</div>

    <div>
        <input type="text" id="username" placeholder="Display name">
        <button id="connectButton" onclick="toggleConnection()">Connect</button>
    </div>
    <div style="margin-top: 10px">
        <input type="text" id="recipient" placeholder="Recipient user id" disabled>
        <input type="text" id="content" placeholder="Type a message..." disabled>
        <button id="sendButton" onclick="sendMessage()" disabled>Send</button>
    </div>

    <div id="log"></div>

    <script>
        let ws = null;
        const logDiv = document.getElementById('log');
        const statusDiv = document.getElementById('status');
        const usernameInput = document.getElementById('username');
        const recipientInput = document.getElementById('recipient');
        const contentInput = document.getElementById('content');
        const sendButton = document.getElementById('sendButton');
        const connectButton = document.getElementById('connectButton');

        function addLine(text) {
            const line = document.createElement('div');
            line.textContent = text;
            logDiv.appendChild(line);
            logDiv.scrollTop = logDiv.scrollHeight;
        }

        function updateStatus(connected, label) {
            statusDiv.textContent = label;
            statusDiv.className = 'status ' + (connected ? 'connected' : 'disconnected');
            recipientInput.disabled = !connected;
            contentInput.disabled = !connected;
            sendButton.disabled = !connected;
            connectButton.textContent = connected ? 'Disconnect' : 'Connect';
        }

        function send(envelope) {
            ws.send(JSON.stringify(envelope));
            addLine('> ' + JSON.stringify(envelope));
        }

        function connect() {
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            ws = new WebSocket(scheme + location.host + '/ws');

            ws.onopen = function() {
                updateStatus(true, 'Connected');
                send({ type: 'Login', username: usernameInput.value });
            };

            ws.onmessage = function(event) {
                addLine('< ' + event.data);
                const envelope = JSON.parse(event.data);
                if (envelope.type === 'LoginSuccess') {
                    updateStatus(true, 'Logged in as ' + envelope.user.username + ' (' + envelope.user.id + ')');
                }
            };

            ws.onclose = function(event) {
                addLine('connection closed (' + event.code + ')');
                updateStatus(false, 'Disconnected');
                ws = null;
            };

            ws.onerror = function() {
                addLine('connection error');
            };
        }

        function toggleConnection() {
            if (ws && ws.readyState === WebSocket.OPEN) {
                send({ type: 'Logout' });
            } else {
                connect();
            }
        }

        function sendMessage() {
            const content = contentInput.value.trim();
            if (content && ws && ws.readyState === WebSocket.OPEN) {
                send({ type: 'SendMessage', to_user_id: recipientInput.value.trim(), content: content });
                contentInput.value = '';
            }
        }

        contentInput.addEventListener('keypress', function(e) {
            if (e.key === 'Enter') {
                sendMessage();
            }
        });
    </script>
</body>
</html>`
