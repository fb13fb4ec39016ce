package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"
)

func adminresp(log *zap.SugaredLogger, w http.ResponseWriter, code, content string) {
	w.Header().Set("Content-Type", "application/json")
	data, _ := json.Marshal(map[string]string{"code": code, "data": content})
	w.Write(data)
	log.Info("[ADMINRESP]", code, content)
}

// adminPush injects a notification to the named users' devices. The
// request body is signed with the admin secret.
func (n *Node) adminPush(w http.ResponseWriter, r *http.Request) {
	log := zap.S().With("method", "adminpush")
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		adminresp(log, w, C_FAIL, "read body")
		return
	}
	log.Info("[Admin]push request:", string(body))

	s := r.URL.Query().Get("sign")
	if s == "" {
		adminresp(log, w, C_FAIL, "sign")
		return
	}
	ts := r.URL.Query().Get("ts")
	if ts == "" {
		adminresp(log, w, C_FAIL, "ts")
		return
	}

	if !CheckSignMD5(DefConfig.AdminSecret, string(body), ts, s) {
		adminresp(log, w, C_FAIL, "sign")
		return
	}

	pm := AdminPushMessage{}
	if err := json.Unmarshal(body, &pm); err != nil {
		adminresp(log, w, C_FAIL, "data format")
		return
	}
	sent := n.PushTo(pm.UserIDs, pm.Title, pm.Body)
	adminresp(log, w, C_OK, fmt.Sprint(sent))
}
