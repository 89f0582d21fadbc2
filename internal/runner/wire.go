/*-
 * Copyright © 2016-2017, Jörg Pernfuß <code.jpe@gmail.com>
 * Copyright © 2016, 1&1 Internet SE
 * All rights reserved.
 *
 * Use of this source code is governed by a 2-clause BSD license
 * that can be found in the LICENSE file.
 */

package runner

import (
	"encoding/json"
	"time"

	"github.com/SNEWS2/SNEWS-Coincidence-System/internal/decider"
	"github.com/SNEWS2/SNEWS-Coincidence-System/internal/falsealarm"
	"github.com/SNEWS2/SNEWS-Coincidence-System/internal/message"
)

// wireAlert is the outbound alert topic's JSON shape. The field
// names are historical; downstream consumers depend on them.
type wireAlert struct {
	ID              string    `json:"id"`
	AlertType       string    `json:"alert_type"`
	ServerTag       string    `json:"server_tag"`
	FalseAlarmProb  string    `json:"False Alarm Prob"`
	DetectorNames   []string  `json:"detector_names"`
	SentTime        string    `json:"sent_time"`
	PValues         []float64 `json:"p_values"`
	NeutrinoTimes   []string  `json:"neutrino_times"`
	PValuesAverage  float64   `json:"p_values average"`
	SubListNumber   int       `json:"sub list number"`
}

func encodeAlert(a decider.Alert, serverTag string) ([]byte, error) {
	now := time.Now().UTC()

	id := `SNEWS_Coincidence_ALERT ` + message.FormatTime(now)
	if a.AlertType == decider.Update {
		id += `-UPDATE`
	}

	alertType := string(a.AlertType)
	if a.IsTest {
		alertType = `TEST ` + alertType
	}

	names := make([]string, 0, len(a.Members))
	pvals := make([]float64, 0, len(a.Members))
	ntimes := make([]string, 0, len(a.Members))
	for _, m := range a.Members {
		names = append(names, m.Detector)
		if m.PVal != nil {
			pvals = append(pvals, *m.PVal)
		} else {
			pvals = append(pvals, 0)
		}
		ntimes = append(ntimes, message.FormatTime(m.NeutrinoTime))
	}

	w := wireAlert{
		ID:             id,
		AlertType:      alertType,
		ServerTag:      serverTag,
		FalseAlarmProb: falsealarm.FormatRecurrence(a.FalseAlarmYears),
		DetectorNames:  names,
		SentTime:       message.FormatTime(now),
		PValues:        pvals,
		NeutrinoTimes:  ntimes,
		PValuesAverage: a.MeanPVal,
		SubListNumber:  a.SubGroupID,
	}
	return json.Marshal(w)
}
