package proxy

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

var routeTemplate = template.Must(template.New("route").Parse(`# tenant: {{ .Handle }}
# managed by tenantctl, do not edit
upstream tenant_{{ .Handle }} {
    server {{ .Upstream }};
}

server {
    listen 80;
    server_name {{ .Hostname }};

    add_header X-Content-Type-Options "nosniff" always;
    add_header X-Frame-Options "SAMEORIGIN" always;

    proxy_read_timeout 720s;
    proxy_connect_timeout 720s;
    proxy_send_timeout 720s;
    proxy_buffers 16 64k;
    proxy_buffer_size 128k;
    client_max_body_size 100M;

    access_log /var/log/nginx/{{ .Handle }}.access.log;
    error_log /var/log/nginx/{{ .Handle }}.error.log warn;

    location /websocket {
        proxy_pass http://tenant_{{ .Handle }};
        proxy_http_version 1.1;
        proxy_set_header Upgrade $http_upgrade;
        proxy_set_header Connection "upgrade";
        proxy_set_header Host $host;
        proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;
        proxy_set_header X-Forwarded-Proto $scheme;
    }

    location / {
        proxy_pass http://tenant_{{ .Handle }};
        proxy_http_version 1.1;
        proxy_set_header Host $host;
        proxy_set_header X-Real-IP $remote_addr;
        proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;
        proxy_set_header X-Forwarded-Proto $scheme;
        proxy_set_header X-Forwarded-Host $host;
        proxy_redirect off;
    }

    location ~* /web/static/ {
        proxy_pass http://tenant_{{ .Handle }};
        proxy_buffering on;
        expires 864000;
        add_header Cache-Control "public, immutable";
    }
}
`))

// Route maps a public hostname to a tenant's private workload address.
type Route struct {
	Handle   string `json:"handle"`
	Hostname string `json:"hostname"`
	Upstream string `json:"upstream"`
}

func render(r Route) ([]byte, error) {
	var buf bytes.Buffer
	if err := routeTemplate.Execute(&buf, r); err != nil {
		return nil, fmt.Errorf("render route for %s: %w", r.Handle, err)
	}
	return buf.Bytes(), nil
}

// checkStructure rejects rule files that could not possibly load: unbalanced
// braces or a server block without the expected server_name.
func checkStructure(content []byte, hostname string) error {
	depth := 0
	for _, c := range content {
		switch c {
		case '{':
			depth++
		case '}':
			depth--
			if depth < 0 {
				return fmt.Errorf("unbalanced closing brace")
			}
		}
	}
	if depth != 0 {
		return fmt.Errorf("unbalanced braces (depth %d)", depth)
	}
	if !strings.Contains(string(content), "server_name "+hostname+";") {
		return fmt.Errorf("missing server_name %s", hostname)
	}
	return nil
}
