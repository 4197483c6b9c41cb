package cdp

import (
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"pkt.systems/browserwatch/schema"
)

const pageType = "page"

func targetInfo(info *target.Info) schema.TargetInfo {
	if info == nil {
		return schema.TargetInfo{}
	}
	return schema.TargetInfo{
		ID:   schema.TargetID(info.TargetID),
		URL:  info.URL,
		Type: info.Type,
	}
}

func targetInfos(infos []*target.Info) []schema.TargetInfo {
	out := make([]schema.TargetInfo, 0, len(infos))
	for _, info := range infos {
		if info == nil {
			continue
		}
		out = append(out, targetInfo(info))
	}
	return out
}

// tabCreated translates a target creation; only page targets become tabs.
func tabCreated(ev *target.EventTargetCreated) (schema.Event, bool) {
	if ev == nil || ev.TargetInfo == nil || ev.TargetInfo.Type != pageType {
		return schema.Event{}, false
	}
	return schema.NewTabCreated(schema.TargetID(ev.TargetInfo.TargetID), ev.TargetInfo.URL), true
}

// translateTargetEvent maps a per-target protocol event to a bus event.
func translateTargetEvent(id schema.TargetID, ev any) (schema.Event, bool) {
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		req := schema.NetworkRequest{TargetID: id, RequestID: string(e.RequestID)}
		if e.Request != nil {
			req.URL = e.Request.URL
		}
		return schema.NewNetworkEvent(schema.EventRequestStarted, req), true
	case *network.EventLoadingFinished:
		return schema.NewNetworkEvent(schema.EventRequestFinished, schema.NetworkRequest{
			TargetID:  id,
			RequestID: string(e.RequestID),
		}), true
	case *network.EventLoadingFailed:
		return schema.NewNetworkEvent(schema.EventRequestFailed, schema.NetworkRequest{
			TargetID:  id,
			RequestID: string(e.RequestID),
			ErrorText: e.ErrorText,
		}), true
	case *page.EventFrameNavigated:
		if e.Frame == nil || e.Frame.ParentID != "" {
			return schema.Event{}, false
		}
		return schema.NewNavigationStarted(id, e.Frame.URL), true
	}
	return schema.Event{}, false
}
