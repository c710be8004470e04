package core

// ETTMetric computes the Expected Transmission Time metric for a link,
// given the forward ACK delivery probability, the forward data delivery
// probability (both in percent, 0-100), and a candidate data rate.
//
// This mirrors the wifi ETTMetric element's ett_metric(): it converts a pair
// of loss probabilities into an expected number of retries, then linearly
// interpolates the per-packet transmission time between the two bracketing
// integer retry counts. ackProb or dataProb of zero means the link has never
// been observed to succeed in that direction, so the metric is invalid (0).
func ETTMetric(ackProb, dataProb, dataRate int) uint32 {
	if ackProb == 0 || dataProb == 0 {
		return 0
	}

	// Expected number of attempts, in hundredths, to get one packet through:
	// 100*100*100 / (ackProb*dataProb) hundredths-of-a-retry, less the one
	// attempt that isn't a retry.
	retriesHundredths := 100*100*100/(ackProb*dataProb) - 100
	if retriesHundredths < 0 {
		retriesHundredths = 0
	}

	low := usecs(1500, dataRate, retriesHundredths/100)
	high := usecs(1500, dataRate, retriesHundredths/100+1)

	frac := uint32(retriesHundredths % 100)
	return (frac*high + (100-frac)*low) / 100
}

// 802.11 DCF timing constants used by usecs. These model the fixed overhead
// every transmission attempt pays regardless of payload size: the PLCP
// preamble/header, SIFS before the ACK, the ACK itself, and DIFS + average
// backoff before a retry is attempted.
const (
	plcpPreambleHeaderUsecs = 192 // long preamble + PLCP header at 1 Mbps
	sifsUsecs               = 10
	difsUsecs               = 50
	ackUsecs                = 304 // time to send a 14-byte ACK at 1 Mbps
	slotUsecs               = 20
	cwMin                   = 31 // minimum contention window, in slots
)

// usecs estimates the wall-clock time, in microseconds, to deliver a frame
// of the given size at the given data rate (in units of 100 kbps, matching
// the wifi stack's rate encoding) after the given number of prior failed
// attempts. Each failed attempt pays the full preamble+payload+ACK-timeout
// cost plus an average DIFS/backoff delay before the next attempt; the final,
// successful attempt pays the preamble+payload+SIFS+ACK cost.
//
// This is an engineering model of the 802.11 DCF retry cost, not a verbatim
// reproduction of any particular driver's bitrate table — the ETT law in the
// module's tests only constrains how ett_metric and usecs relate to each
// other, not usecs' internal constants.
func usecs(size, dataRate, retries int) uint32 {
	if dataRate <= 0 {
		return 0
	}
	if retries < 0 {
		retries = 0
	}

	payloadUsecs := uint32(size*8*10) / uint32(dataRate)
	txUsecs := uint32(plcpPreambleHeaderUsecs) + payloadUsecs + sifsUsecs + ackUsecs

	avgBackoffUsecs := uint32(difsUsecs) + uint32(cwMin/2)*slotUsecs
	return txUsecs + uint32(retries)*(txUsecs+avgBackoffUsecs)
}
