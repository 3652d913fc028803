package board

import (
	"encoding/json"
	"fmt"
)

// boardHTML renders the single-page board UI. focusRunID preselects a run;
// replay switches the step list into timed playback.
func boardHTML(focusRunID string, replay bool) string {
	focus, _ := json.Marshal(focusRunID)
	return fmt.Sprintf(`<!doctype html>
<html><head><meta charset="utf-8"><title>qitos board</title>
<style>
body{background:#11151c;color:#d8dee9;font:14px/1.5 -apple-system,Segoe UI,sans-serif;margin:0}
header{padding:1rem 1.5rem;border-bottom:1px solid #242b38}
header .title{font-weight:600} header .sub{color:#7b8794;font-size:.85rem}
main{display:flex;gap:1rem;padding:1rem 1.5rem}
#runs{flex:0 0 26rem} #detail{flex:1;min-width:0}
table{width:100%%;border-collapse:collapse;font-size:.85rem}
td,th{padding:.35rem .5rem;border-bottom:1px solid #1d2430;text-align:left}
tr:hover{background:#161c27;cursor:pointer}
.badge{border-radius:4px;padding:0 .4rem;font-size:.75rem}
.completed{background:#1e3a2f;color:#a3be8c}.failed{background:#3a1e1e;color:#bf616a}.running{background:#1e2a3a;color:#88c0d0}
pre{background:#161c27;border-radius:6px;padding:.8rem;overflow-x:auto;white-space:pre-wrap;word-break:break-word}
a{color:#88c0d0;text-decoration:none}
.btn{border:1px solid #2b3445;border-radius:4px;padding:.15rem .6rem;margin-right:.4rem;font-size:.8rem}
</style></head><body>
<header><div class="title">QitOS · trace board</div>
<div class="sub">runs, trace inspection, replay, and export</div></header>
<main><div id="runs"><table><thead>
<tr><th>run</th><th>status</th><th>stop</th><th>steps</th></tr></thead>
<tbody id="runs-body"></tbody></table></div>
<div id="detail"><em>select a run</em></div></main>
<script>
const FOCUS=%s, REPLAY=%t;
async function loadRuns(){
  const res=await fetch('/api/runs'); const data=await res.json();
  const body=document.getElementById('runs-body'); body.innerHTML='';
  for(const r of data.runs){
    const tr=document.createElement('tr');
    tr.innerHTML='<td>'+r.id.slice(0,12)+'</td><td><span class="badge '+r.status+'">'+r.status+
      '</span></td><td>'+(r.stop_reason||'')+'</td><td>'+r.step_count+'</td>';
    tr.onclick=()=>showRun(r.id);
    body.appendChild(tr);
  }
}
async function showRun(id){
  const res=await fetch('/api/run/'+encodeURIComponent(id));
  if(!res.ok){document.getElementById('detail').innerHTML='<em>run not found</em>';return}
  const run=await res.json();
  const d=document.getElementById('detail');
  let htmlText='<div><a class="btn" href="/export/raw/'+id+'">export raw</a>'+
    '<a class="btn" href="/export/html/'+id+'">export html</a>'+
    '<a class="btn" href="/replay/'+id+'">replay</a></div>';
  htmlText+='<pre>'+esc(JSON.stringify(run.manifest,null,2))+'</pre>';
  const steps=REPLAY?[]:run.steps;
  for(const s of steps){htmlText+='<details><summary>step '+s.step_id+' · '+(s.decision?s.decision.mode:'-')+
    '</summary><pre>'+esc(JSON.stringify(s,null,2))+'</pre></details>'}
  d.innerHTML=htmlText;
  if(REPLAY)replaySteps(run.steps,d);
  if(run.manifest.status==='running')tail(id,d);
}
function replaySteps(steps,d){
  let i=0;
  const t=setInterval(()=>{
    if(i>=steps.length){clearInterval(t);return}
    const s=steps[i++];
    const el=document.createElement('details'); el.open=true;
    el.innerHTML='<summary>step '+s.step_id+'</summary><pre>'+esc(JSON.stringify(s,null,2))+'</pre>';
    d.appendChild(el);
  },800);
}
function tail(id,d){
  const ws=new WebSocket((location.protocol==='https:'?'wss://':'ws://')+location.host+'/ws/'+id);
  const pre=document.createElement('pre'); d.appendChild(pre);
  ws.onmessage=(m)=>{pre.textContent+=m.data+'\n'};
}
function esc(s){return s.replace(/&/g,'&amp;').replace(/</g,'&lt;')}
loadRuns().then(()=>{if(FOCUS)showRun(FOCUS)});
</script></body></html>`, string(focus), replay)
}
